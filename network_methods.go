package noctua

import "github.com/noctua-im/noctua/store"

// GetConnectionState returns the signalling client's own connection
// lifecycle state.
func (f *Facade) GetConnectionState() (string, error) {
	f.mu.RLock()
	sig := f.sig
	f.mu.RUnlock()
	if sig == nil {
		return "", ErrNoIdentity
	}
	return sig.State().String(), nil
}

// GetSignalingServer returns the configured signalling server URL.
func (f *Facade) GetSignalingServer() (string, error) {
	s, err := f.st.GetSettings()
	if err != nil {
		return "", err
	}
	if s.SignalingServer == "" {
		return f.signalingURL, nil
	}
	return s.SignalingServer, nil
}

// SetSignalingServer persists a new signalling server URL. Takes effect
// on next daemon restart: the signalling client's reconnect loop isn't
// torn down and re-dialed mid-session.
func (f *Facade) SetSignalingServer(url string) error {
	s, err := f.st.GetSettings()
	if err != nil {
		return err
	}
	s.SignalingServer = url
	return f.st.SetSettings(s)
}

// GetUserStatus returns the locally configured presence status.
func (f *Facade) GetUserStatus() (string, error) {
	s, err := f.st.GetSettings()
	if err != nil {
		return "", err
	}
	return s.UserStatus, nil
}

// SetUserStatus persists the local presence status. It sends nothing over
// signalling: no presence envelope is emitted, so contacts are not told
// of the change.
func (f *Facade) SetUserStatus(status string) error {
	s, err := f.st.GetSettings()
	if err != nil {
		return err
	}
	s.UserStatus = status
	return f.st.SetSettings(s)
}

// GetSettings returns every recognised setting.
func (f *Facade) GetSettings() (store.Settings, error) {
	return f.st.GetSettings()
}

// SetSettings replaces the settings row wholesale.
func (f *Facade) SetSettings(v store.Settings) error {
	return f.st.SetSettings(v)
}

// Ping is a liveness check a UI can use to confirm the facade is
// responsive without touching any subsystem.
func (f *Facade) Ping() string { return "pong" }
