package store

// Settings holds the seven recognised options spec §6 names.
type Settings struct {
	SignalingServer        string `json:"signaling_server"`
	UserStatus             string `json:"user_status"`
	NotificationsEnabled   bool   `json:"notifications_enabled"`
	NotificationsMessages  bool   `json:"notifications_messages"`
	NotificationsCalls     bool   `json:"notifications_calls"`
	UpdateChannel          string `json:"update_channel"`
	Theme                  string `json:"theme"`
}

const settingsKey = "settings"

// DefaultSettings returns the settings row used the first time a store
// is opened.
func DefaultSettings() Settings {
	return Settings{
		UserStatus:            "online",
		NotificationsEnabled:  true,
		NotificationsMessages: true,
		NotificationsCalls:    true,
		UpdateChannel:         "stable",
		Theme:                 "system",
	}
}

// GetSettings returns the current settings, seeding defaults on first
// read.
func (s *Store) GetSettings() (Settings, error) {
	var cur Settings
	err := s.Command(func(tx *Tx) error {
		err := tx.getJSON(bucketSettings, settingsKey, &cur)
		if err == nil {
			return nil
		}
		if err != ErrNotFound {
			return err
		}
		cur = DefaultSettings()
		return tx.putJSON(bucketSettings, settingsKey, cur)
	})
	return cur, err
}

// SetSettings replaces the settings row wholesale; callers read-modify-
// write through GetSettings first.
func (s *Store) SetSettings(v Settings) error {
	return s.Command(func(tx *Tx) error {
		return tx.putJSON(bucketSettings, settingsKey, v)
	})
}
