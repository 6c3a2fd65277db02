package db

import (
	"database/sql"
	"strconv"

	"github.com/agentdeck/agentdeck/models"
)

// Default settings
var defaultSettings = map[string]string{
	"preferences_theme":                 "auto",
	"preferences_default_view":          "repos",
	"preferences_log_level":             "info",
	"preferences_notifications_enabled": "true",
	"agent_server_url":                  "",
	"agent_idle_grace_secs":             "120",
	"agent_suppress_viewed":             "true",
}

// GetSetting retrieves a setting by key
func GetSetting(key string) (string, error) {
	var value string
	err := GetDB().QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		if defaultValue, ok := defaultSettings[key]; ok {
			return defaultValue, nil
		}
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetSetting updates or creates a setting
func SetSetting(key, value string) error {
	_, err := GetDB().Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, NowMs())
	return err
}

// GetAllSettings retrieves all settings, defaults included
func GetAllSettings() (map[string]string, error) {
	settings := make(map[string]string)
	for k, v := range defaultSettings {
		settings[k] = v
	}

	rows, err := GetDB().Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		settings[key] = value
	}

	return settings, rows.Err()
}

// UpdateSettings updates multiple settings at once
func UpdateSettings(settings map[string]string) error {
	return Transaction(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO settings (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := NowMs()
		for key, value := range settings {
			if _, err := stmt.Exec(key, value, now); err != nil {
				return err
			}
		}

		return nil
	})
}

// LoadSettings loads settings from DB and converts to the structured form
func LoadSettings() (*models.Settings, error) {
	all, err := GetAllSettings()
	if err != nil {
		return nil, err
	}

	pick := func(key, defaultValue string) string {
		if val, ok := all[key]; ok && val != "" {
			return val
		}
		return defaultValue
	}

	graceSecs := 120
	if v, err := strconv.Atoi(pick("agent_idle_grace_secs", "120")); err == nil {
		graceSecs = v
	}

	return &models.Settings{
		Preferences: models.Preferences{
			Theme:                pick("preferences_theme", "auto"),
			DefaultView:          pick("preferences_default_view", "repos"),
			LogLevel:             pick("preferences_log_level", "info"),
			NotificationsEnabled: pick("preferences_notifications_enabled", "true") != "false",
		},
		Agent: models.Agent{
			ServerURL:      pick("agent_server_url", ""),
			IdleGraceSecs:  graceSecs,
			SuppressViewed: pick("agent_suppress_viewed", "true") != "false",
		},
		Storage: models.Storage{
			DataPath: pick("storage_data_path", "./data"),
		},
	}, nil
}

// SaveSettings converts structured settings to flat key-value pairs and saves
func SaveSettings(settings *models.Settings) error {
	updates := map[string]string{
		"preferences_theme":                 settings.Preferences.Theme,
		"preferences_default_view":          settings.Preferences.DefaultView,
		"preferences_notifications_enabled": strconv.FormatBool(settings.Preferences.NotificationsEnabled),
		"agent_idle_grace_secs":             strconv.Itoa(settings.Agent.IdleGraceSecs),
		"agent_suppress_viewed":             strconv.FormatBool(settings.Agent.SuppressViewed),
	}
	if settings.Preferences.LogLevel != "" {
		updates["preferences_log_level"] = settings.Preferences.LogLevel
	}
	if settings.Agent.ServerURL != "" {
		updates["agent_server_url"] = settings.Agent.ServerURL
	}
	if settings.Storage.DataPath != "" {
		updates["storage_data_path"] = settings.Storage.DataPath
	}
	return UpdateSettings(updates)
}
