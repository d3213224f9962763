package store_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noctua-im/noctua/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	s, err := store.Open(path, key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestContactCRUD(t *testing.T) {
	r := require.New(t)
	s := openTestStore(t)

	c, err := s.AddContact([]byte("signing-key-1"), "alice")
	r.NoError(err)
	r.Equal(uint64(1), c.ID)

	_, err = s.AddContact([]byte("signing-key-1"), "alice-dup")
	r.ErrorIs(err, store.ErrConflict)

	got, err := s.GetContact(c.ID)
	r.NoError(err)
	r.Equal("alice", got.Nickname)

	r.NoError(s.SetContactVerified(c.ID, true))
	r.NoError(s.SetContactNickname(c.ID, "alice2"))
	got, err = s.GetContact(c.ID)
	r.NoError(err)
	r.True(got.Verified)
	r.Equal("alice2", got.Nickname)

	list, err := s.ListContacts()
	r.NoError(err)
	r.Len(list, 1)

	r.NoError(s.RemoveContact(c.ID))
	_, err = s.GetContact(c.ID)
	r.ErrorIs(err, store.ErrNotFound)
}

func TestMessagePaginationAndEditDelete(t *testing.T) {
	r := require.New(t)
	s := openTestStore(t)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		body := "hello"
		r.NoError(s.AddMessage(store.Message{
			MessageID:      "msg-" + string(rune('a'+i)),
			ConversationID: 1,
			SenderID:       store.SelfSenderID,
			Kind:           store.MessageKindText,
			Body:           &body,
			SentAt:         base.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := s.GetMessages(1, 3, time.Time{})
	r.NoError(err)
	r.Len(msgs, 3)
	r.True(msgs[0].SentAt.Before(msgs[1].SentAt))
	r.True(msgs[1].SentAt.Before(msgs[2].SentAt))
	r.Equal("msg-e", msgs[2].MessageID)

	older, err := s.GetMessages(1, 10, base.Add(2*time.Second))
	r.NoError(err)
	r.Len(older, 2)
	r.Equal("msg-a", older[0].MessageID)
	r.Equal("msg-b", older[1].MessageID)

	r.NoError(s.EditMessage(1, "msg-a", store.SelfSenderID, "edited"))
	got, err := s.GetMessage(1, "msg-a")
	r.NoError(err)
	r.True(got.Edited)
	r.Equal("edited", *got.Body)

	err = s.EditMessage(1, "msg-a", "someone-else", "hacked")
	r.ErrorIs(err, store.ErrDenied)
	got, err = s.GetMessage(1, "msg-a")
	r.NoError(err)
	r.Equal("edited", *got.Body)

	r.NoError(s.DeleteMessage(1, "msg-b", store.SelfSenderID, store.DeleteModeSoft))
	got, err = s.GetMessage(1, "msg-b")
	r.NoError(err)
	r.True(got.Deleted)
	r.Nil(got.Body)

	err = s.DeleteMessage(1, "msg-c", "someone-else", store.DeleteModeSoft)
	r.ErrorIs(err, store.ErrDenied)
	got, err = s.GetMessage(1, "msg-c")
	r.NoError(err)
	r.False(got.Deleted)

	err = s.DeleteMessage(1, "msg-d", "someone-else", store.DeleteModeHard)
	r.ErrorIs(err, store.ErrDenied)
	got, err = s.GetMessage(1, "msg-d")
	r.NoError(err)
	r.False(got.Deleted)
}

func TestReactionDedup(t *testing.T) {
	r := require.New(t)
	s := openTestStore(t)

	react := store.Reaction{MessageID: "m1", SenderID: "self", Emoji: "👍", Timestamp: time.Now()}
	r.NoError(s.AddReaction(react))
	r.NoError(s.AddReaction(react))

	got, err := s.GetReactions("m1")
	r.NoError(err)
	r.Len(got, 1)

	r.NoError(s.RemoveReaction("m1", "self", "👍"))
	got, err = s.GetReactions("m1")
	r.NoError(err)
	r.Len(got, 0)
}

func TestTransferAtMostOneOpen(t *testing.T) {
	r := require.New(t)
	s := openTestStore(t)

	r.NoError(s.SaveTransfer(store.TransferState{
		TransferID: "t1", ContactID: 1, Direction: store.TransferSend,
		FileID: "f1", State: store.TransferPending,
	}))

	err := s.SaveTransfer(store.TransferState{
		TransferID: "t2", ContactID: 1, Direction: store.TransferSend,
		FileID: "f1", State: store.TransferActive,
	})
	r.ErrorIs(err, store.ErrConflict)

	r.NoError(s.SaveTransfer(store.TransferState{
		TransferID: "t1", ContactID: 1, Direction: store.TransferSend,
		FileID: "f1", State: store.TransferComplete,
	}))

	r.NoError(s.SaveTransfer(store.TransferState{
		TransferID: "t2", ContactID: 1, Direction: store.TransferSend,
		FileID: "f1", State: store.TransferActive,
	}))
}

func TestRatchetSessionRoundTrip(t *testing.T) {
	r := require.New(t)
	s := openTestStore(t)

	_, err := s.GetRatchetSession(1)
	r.ErrorIs(err, store.ErrNotFound)

	r.NoError(s.SaveRatchetSession(1, []byte("opaque-ratchet-state")))
	got, err := s.GetRatchetSession(1)
	r.NoError(err)
	r.Equal([]byte("opaque-ratchet-state"), got)

	r.NoError(s.DeleteRatchetSession(1))
	_, err = s.GetRatchetSession(1)
	r.ErrorIs(err, store.ErrNotFound)
}

func TestSettingsDefaults(t *testing.T) {
	r := require.New(t)
	s := openTestStore(t)

	got, err := s.GetSettings()
	r.NoError(err)
	r.Equal("online", got.UserStatus)

	got.Theme = "dark"
	r.NoError(s.SetSettings(got))

	got2, err := s.GetSettings()
	r.NoError(err)
	r.Equal("dark", got2.Theme)
}
