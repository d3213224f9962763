package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/noctua-im/noctua/store"
)

const requestTimeout = 30 * time.Second

func (d *Daemon) handleCommand(cmd Command) {
	switch cmd.Cmd {
	case CmdPing:
		d.emitResponse(cmd.ID, d.facade.Ping())
	case CmdGetIdentity:
		d.replyFn(cmd, func() (any, error) { return d.facade.GetIdentity() })
	case CmdGenerateIdentity:
		d.handleGenerateIdentity(cmd)
	case CmdUpdateDisplayName:
		d.handleUpdateDisplayName(cmd)
	case CmdExportBackup:
		d.handleExportBackup(cmd)
	case CmdImportBackup:
		d.handleImportBackup(cmd)
	case CmdGetContacts:
		d.replyFn(cmd, func() (any, error) { return d.facade.GetContacts() })
	case CmdAddContact:
		d.handleAddContact(cmd)
	case CmdRemoveContact:
		d.handleWithContactID(cmd, func(id uint64) (any, error) { return nil, d.facade.RemoveContact(id) })
	case CmdSetContactVerified:
		d.handleSetContactVerified(cmd)
	case CmdSetContactNickname:
		d.handleSetContactNickname(cmd)
	case CmdGetConnectionState:
		d.replyFn(cmd, func() (any, error) { return d.facade.GetConnectionState() })
	case CmdGetSignalingServer:
		d.replyFn(cmd, func() (any, error) { return d.facade.GetSignalingServer() })
	case CmdSetSignalingServer:
		d.handleSetSignalingServer(cmd)
	case CmdGetUserStatus:
		d.replyFn(cmd, func() (any, error) { return d.facade.GetUserStatus() })
	case CmdSetUserStatus:
		d.handleSetUserStatus(cmd)
	case CmdInitiateP2P:
		d.handleInitiateP2P(cmd)
	case CmdSendMessage:
		d.handleSendMessage(cmd)
	case CmdGetMessages:
		d.handleGetMessages(cmd)
	case CmdSendTyping:
		d.handleSendTyping(cmd)
	case CmdEditMessage:
		d.handleEditMessage(cmd)
	case CmdDeleteMessage:
		d.handleDeleteMessage(cmd)
	case CmdAddReaction:
		d.handleAddReaction(cmd)
	case CmdRemoveReaction:
		d.handleRemoveReaction(cmd)
	case CmdGetReactions:
		d.handleGetReactions(cmd)
	case CmdGetP2PState:
		d.handleWithContactID(cmd, func(id uint64) (any, error) { return d.facade.GetP2PState(id) })
	case CmdSendFile:
		d.handleSendFile(cmd)
	case CmdCancelTransfer:
		d.handleCancelTransfer(cmd)
	case CmdResumeTransfer:
		d.handleResumeTransfer(cmd)
	case CmdGetTransfers:
		d.handleWithContactID(cmd, func(id uint64) (any, error) { return d.facade.GetTransfers(id) })
	case CmdGetFile:
		d.handleWithFileID(cmd, func(id string) (any, error) { return d.facade.GetFile(id) })
	case CmdGetFilePreview:
		d.handleWithFileID(cmd, func(id string) (any, error) { return d.facade.GetFilePreview(id) })
	case CmdOpenFileDialog:
		d.replyFn(cmd, func() (any, error) { return d.facade.OpenFileDialog() })
	case CmdGetSettings:
		d.replyFn(cmd, func() (any, error) { return d.facade.GetSettings() })
	case CmdSetSettings:
		d.handleSetSettings(cmd)
	case CmdShutdown:
		d.Shutdown()
	default:
		d.emitError(cmd.ID, fmt.Errorf("unknown command: %s", cmd.Cmd))
	}
}

// reply emits a response or error from a (value, error) pair, the
// common shape for facade calls that take no params beyond the command
// envelope itself.
func (d *Daemon) reply(cmd Command, value any, err error) {
	if err != nil {
		d.emitError(cmd.ID, err)
		return
	}
	d.emitResponse(cmd.ID, value)
}

// replyFn evaluates a thunk wrapping a facade call and replies with its
// (value, error) pair. Needed wherever the facade method returns
// exactly (T, error): Go's multi-value-forwarding only applies when
// every parameter of the outer call is filled by the inner call's
// results, which doesn't hold here since cmd is also a parameter.
func (d *Daemon) replyFn(cmd Command, fn func() (any, error)) {
	v, err := fn()
	d.reply(cmd, v, err)
}

func (d *Daemon) decodeParams(cmd Command, v any) bool {
	if err := json.Unmarshal(cmd.Params, v); err != nil {
		d.emitError(cmd.ID, fmt.Errorf("invalid params: %w", err))
		return false
	}
	return true
}

type contactIDParams struct {
	ContactID uint64 `json:"contact_id"`
}

func (d *Daemon) handleWithContactID(cmd Command, fn func(id uint64) (any, error)) {
	var p contactIDParams
	if !d.decodeParams(cmd, &p) {
		return
	}
	v, err := fn(p.ContactID)
	d.reply(cmd, v, err)
}

type fileIDParams struct {
	FileID string `json:"file_id"`
}

func (d *Daemon) handleWithFileID(cmd Command, fn func(id string) (any, error)) {
	var p fileIDParams
	if !d.decodeParams(cmd, &p) {
		return
	}
	v, err := fn(p.FileID)
	d.reply(cmd, v, err)
}

func (d *Daemon) handleGenerateIdentity(cmd Command) {
	var p struct {
		Name string `json:"name"`
	}
	if !d.decodeParams(cmd, &p) {
		return
	}
	v, err := d.facade.GenerateIdentity(p.Name)
	d.reply(cmd, v, err)
}

func (d *Daemon) handleUpdateDisplayName(cmd Command) {
	var p struct {
		Name string `json:"name"`
	}
	if !d.decodeParams(cmd, &p) {
		return
	}
	d.reply(cmd, nil, d.facade.UpdateDisplayName(p.Name))
}

func (d *Daemon) handleExportBackup(cmd Command) {
	var p struct {
		Password string `json:"password"`
	}
	if !d.decodeParams(cmd, &p) {
		return
	}
	v, err := d.facade.ExportBackup(p.Password)
	d.reply(cmd, v, err)
}

func (d *Daemon) handleImportBackup(cmd Command) {
	var p struct {
		Envelope string `json:"envelope"`
		Password string `json:"password"`
	}
	if !d.decodeParams(cmd, &p) {
		return
	}
	v, err := d.facade.ImportBackup(p.Envelope, p.Password)
	d.reply(cmd, v, err)
}

func (d *Daemon) handleAddContact(cmd Command) {
	var p struct {
		PublicSigningKey string `json:"public_signing_key"`
		DisplayName      string `json:"display_name"`
	}
	if !d.decodeParams(cmd, &p) {
		return
	}
	key, err := base64.StdEncoding.DecodeString(p.PublicSigningKey)
	if err != nil {
		d.emitError(cmd.ID, fmt.Errorf("invalid public_signing_key: %w", err))
		return
	}
	v, err := d.facade.AddContact(key, p.DisplayName)
	d.reply(cmd, v, err)
}

func (d *Daemon) handleSetContactVerified(cmd Command) {
	var p struct {
		ID       uint64 `json:"id"`
		Verified bool   `json:"verified"`
	}
	if !d.decodeParams(cmd, &p) {
		return
	}
	d.reply(cmd, nil, d.facade.SetContactVerified(p.ID, p.Verified))
}

func (d *Daemon) handleSetContactNickname(cmd Command) {
	var p struct {
		ID   uint64 `json:"id"`
		Name string `json:"name"`
	}
	if !d.decodeParams(cmd, &p) {
		return
	}
	d.reply(cmd, nil, d.facade.SetContactNickname(p.ID, p.Name))
}

func (d *Daemon) handleSetSignalingServer(cmd Command) {
	var p struct {
		URL string `json:"url"`
	}
	if !d.decodeParams(cmd, &p) {
		return
	}
	d.reply(cmd, nil, d.facade.SetSignalingServer(p.URL))
}

func (d *Daemon) handleSetUserStatus(cmd Command) {
	var p struct {
		Status string `json:"status"`
	}
	if !d.decodeParams(cmd, &p) {
		return
	}
	d.reply(cmd, nil, d.facade.SetUserStatus(p.Status))
}

func (d *Daemon) handleInitiateP2P(cmd Command) {
	var p contactIDParams
	if !d.decodeParams(cmd, &p) {
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, requestTimeout)
	defer cancel()
	d.reply(cmd, nil, d.facade.InitiateP2P(ctx, p.ContactID))
}

func (d *Daemon) handleSendMessage(cmd Command) {
	var p struct {
		ContactID uint64  `json:"contact_id"`
		Body      string  `json:"body"`
		ReplyTo   *string `json:"reply_to,omitempty"`
	}
	if !d.decodeParams(cmd, &p) {
		return
	}
	v, err := d.facade.SendMessage(p.ContactID, p.Body, p.ReplyTo)
	d.reply(cmd, v, err)
}

func (d *Daemon) handleGetMessages(cmd Command) {
	var p struct {
		ContactID uint64 `json:"contact_id"`
		Limit     int    `json:"limit"`
		BeforeTS  int64  `json:"before_ts,omitempty"`
	}
	if !d.decodeParams(cmd, &p) {
		return
	}
	var before time.Time
	if p.BeforeTS > 0 {
		before = time.UnixMilli(p.BeforeTS).UTC()
	}
	v, err := d.facade.GetMessages(p.ContactID, p.Limit, before)
	d.reply(cmd, v, err)
}

func (d *Daemon) handleSendTyping(cmd Command) {
	var p struct {
		ContactID uint64 `json:"contact_id"`
		Active    bool   `json:"active"`
	}
	if !d.decodeParams(cmd, &p) {
		return
	}
	d.reply(cmd, nil, d.facade.SendTyping(p.ContactID, p.Active))
}

func (d *Daemon) handleEditMessage(cmd Command) {
	var p struct {
		ContactID uint64 `json:"contact_id"`
		MessageID string `json:"message_id"`
		NewBody   string `json:"new_body"`
	}
	if !d.decodeParams(cmd, &p) {
		return
	}
	d.reply(cmd, nil, d.facade.EditMessage(p.ContactID, p.MessageID, p.NewBody))
}

func (d *Daemon) handleDeleteMessage(cmd Command) {
	var p struct {
		ContactID uint64 `json:"contact_id"`
		MessageID string `json:"message_id"`
	}
	if !d.decodeParams(cmd, &p) {
		return
	}
	d.reply(cmd, nil, d.facade.DeleteMessage(p.ContactID, p.MessageID))
}

type reactionParams struct {
	ContactID uint64 `json:"contact_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

func (d *Daemon) handleAddReaction(cmd Command) {
	var p reactionParams
	if !d.decodeParams(cmd, &p) {
		return
	}
	d.reply(cmd, nil, d.facade.AddReaction(p.ContactID, p.MessageID, p.Emoji))
}

func (d *Daemon) handleRemoveReaction(cmd Command) {
	var p reactionParams
	if !d.decodeParams(cmd, &p) {
		return
	}
	d.reply(cmd, nil, d.facade.RemoveReaction(p.ContactID, p.MessageID, p.Emoji))
}

func (d *Daemon) handleGetReactions(cmd Command) {
	var p struct {
		MessageID string `json:"message_id"`
	}
	if !d.decodeParams(cmd, &p) {
		return
	}
	v, err := d.facade.GetReactions(p.MessageID)
	d.reply(cmd, v, err)
}

func (d *Daemon) handleSendFile(cmd Command) {
	var p struct {
		ContactID uint64 `json:"contact_id"`
		LocalPath string `json:"local_path"`
	}
	if !d.decodeParams(cmd, &p) {
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, requestTimeout)
	defer cancel()
	v, err := d.facade.SendFile(ctx, p.ContactID, p.LocalPath)
	d.reply(cmd, v, err)
}

func (d *Daemon) handleCancelTransfer(cmd Command) {
	var p struct {
		ContactID  uint64 `json:"contact_id"`
		TransferID string `json:"transfer_id"`
		Direction  string `json:"direction,omitempty"`
	}
	if !d.decodeParams(cmd, &p) {
		return
	}
	d.reply(cmd, nil, d.facade.CancelTransfer(p.ContactID, p.TransferID, p.Direction))
}

func (d *Daemon) handleResumeTransfer(cmd Command) {
	var p struct {
		ContactID  uint64 `json:"contact_id"`
		TransferID string `json:"transfer_id"`
		LocalPath  string `json:"local_path"`
	}
	if !d.decodeParams(cmd, &p) {
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, requestTimeout)
	defer cancel()
	d.reply(cmd, nil, d.facade.ResumeTransfer(ctx, p.ContactID, p.TransferID, p.LocalPath))
}

func (d *Daemon) handleSetSettings(cmd Command) {
	var s store.Settings
	if !d.decodeParams(cmd, &s) {
		return
	}
	d.reply(cmd, nil, d.facade.SetSettings(s))
}
