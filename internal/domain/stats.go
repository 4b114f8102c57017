package domain

import "time"

type ServerStatus string

const StatusOnline ServerStatus = "Online"

// ServerStats is one normalized snapshot of guild population.
// Notes always names the population the online count was taken over.
type ServerStats struct {
	ServerName    string       `json:"serverName"`
	Status        ServerStatus `json:"status"`
	TotalMembers  int          `json:"totalMembers"`
	OnlineMembers int          `json:"onlineMembers"`
	Notes         string       `json:"notes"`
	Timestamp     *time.Time   `json:"timestamp,omitempty"`
}

// Stamped returns a copy carrying t as its broadcast time.
func (s ServerStats) Stamped(t time.Time) ServerStats {
	utc := t.UTC()
	s.Timestamp = &utc
	return s
}

// SameAs compares two snapshots ignoring the timestamp.
func (s ServerStats) SameAs(o ServerStats) bool {
	return s.ServerName == o.ServerName &&
		s.Status == o.Status &&
		s.TotalMembers == o.TotalMembers &&
		s.OnlineMembers == o.OnlineMembers &&
		s.Notes == o.Notes
}

type ClientConfig struct {
	BotAPIURL string `json:"botApiUrl"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}
