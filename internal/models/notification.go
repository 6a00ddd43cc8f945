package models

import "time"

type NotificationType string

const (
	NotificationAppointment NotificationType = "appointment"
	NotificationStaff       NotificationType = "staff"
	NotificationBilling     NotificationType = "billing"
	NotificationGeneric     NotificationType = "generic"
)

func (t NotificationType) IsValid() bool {
	switch t {
	case NotificationAppointment, NotificationStaff, NotificationBilling, NotificationGeneric:
		return true
	}
	return false
}

type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	CreatedAt time.Time        `json:"created_at"`
	Read      bool             `json:"read"`
}
