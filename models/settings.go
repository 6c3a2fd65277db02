package models

// Settings represents the full dashboard settings structure
type Settings struct {
	Preferences Preferences `json:"preferences"`
	Agent       Agent       `json:"agent"`
	Storage     Storage     `json:"storage"`
}

type Preferences struct {
	Theme                string `json:"theme"`
	DefaultView          string `json:"defaultView"`
	LogLevel             string `json:"logLevel,omitempty"`
	NotificationsEnabled bool   `json:"notificationsEnabled"`
}

// Agent holds settings for talking to the agent server
type Agent struct {
	ServerURL       string `json:"serverUrl,omitempty"`
	IdleGraceSecs   int    `json:"idleGraceSecs"`
	SuppressViewed  bool   `json:"suppressViewed"`
}

type Storage struct {
	DataPath string `json:"dataPath"`
}
