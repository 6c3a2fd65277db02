package events

import "testing"

func TestParse_SessionStatus(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		sessionID  string
		status     string
		wantActive bool
	}{
		{
			name:       "busy",
			payload:    `{"type":"session.status","properties":{"sessionID":"s1","status":{"type":"busy"}}}`,
			sessionID:  "s1",
			status:     StatusBusy,
			wantActive: true,
		},
		{
			name:       "retry",
			payload:    `{"type":"session.status","properties":{"sessionID":"s2","status":{"type":"retry"}}}`,
			sessionID:  "s2",
			status:     StatusRetry,
			wantActive: true,
		},
		{
			name:       "compact",
			payload:    `{"type":"session.status","properties":{"sessionID":"s3","status":{"type":"compact"}}}`,
			sessionID:  "s3",
			status:     StatusCompact,
			wantActive: true,
		},
		{
			name:       "idle",
			payload:    `{"type":"session.status","properties":{"sessionID":"s4","status":{"type":"idle"}}}`,
			sessionID:  "s4",
			status:     StatusIdle,
			wantActive: false,
		},
		{
			name:       "missing properties degrade to zero values",
			payload:    `{"type":"session.status"}`,
			sessionID:  "",
			status:     "",
			wantActive: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Parse([]byte(tt.payload))
			if err != nil {
				t.Fatalf("Parse returned error: %v", err)
			}
			ss, ok := ev.(*SessionStatusEvent)
			if !ok {
				t.Fatalf("expected SessionStatusEvent, got %T", ev)
			}
			if ss.SessionID != tt.sessionID {
				t.Errorf("SessionID = %q, want %q", ss.SessionID, tt.sessionID)
			}
			if ss.Status != tt.status {
				t.Errorf("Status = %q, want %q", ss.Status, tt.status)
			}
			if ss.Active() != tt.wantActive {
				t.Errorf("Active() = %v, want %v", ss.Active(), tt.wantActive)
			}
		})
	}
}

func TestParse_SessionIdle(t *testing.T) {
	ev, err := Parse([]byte(`{"type":"session.idle","properties":{"sessionID":"s9"}}`))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	idle, ok := ev.(*SessionIdleEvent)
	if !ok {
		t.Fatalf("expected SessionIdleEvent, got %T", ev)
	}
	if idle.SessionID != "s9" {
		t.Errorf("SessionID = %q, want s9", idle.SessionID)
	}
}

func TestParse_UnknownTypePassesThrough(t *testing.T) {
	ev, err := Parse([]byte(`{"type":"message.part.updated","properties":{"text":"hi"}}`))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	unknown, ok := ev.(*UnknownEvent)
	if !ok {
		t.Fatalf("expected UnknownEvent, got %T", ev)
	}
	if unknown.EventType() != "message.part.updated" {
		t.Errorf("EventType = %q", unknown.EventType())
	}
	if string(unknown.Properties) != `{"text":"hi"}` {
		t.Errorf("Properties not preserved: %s", unknown.Properties)
	}
}

func TestParse_Malformed(t *testing.T) {
	for _, payload := range []string{
		`{not json`,
		`[]`,
		`{"properties":{}}`, // no type
		``,
	} {
		if _, err := Parse([]byte(payload)); err == nil {
			t.Errorf("Parse(%q) expected error", payload)
		}
	}
}
