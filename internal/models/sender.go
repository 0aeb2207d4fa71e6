package models

import "time"

// Sender is a phone-number identity registered with the messaging provider
type Sender struct {
	ID            int64     `json:"id"`
	PhoneNumberID string    `json:"phone_number_id"`
	Label         string    `json:"label"`
	QPS           int       `json:"qps"`
	CreatedAt     time.Time `json:"created_at"`
}

// SendInterval is the pause between two sends that keeps the sender within its QPS budget
func (s *Sender) SendInterval() time.Duration {
	qps := s.QPS
	if qps <= 0 {
		qps = 1
	}
	return time.Second / time.Duration(qps)
}
