package dispatch

import "github.com/example/ambulance-dispatch/internal/models"

type EventType string

const (
	EventRideNotification EventType = "ride_notification"
	EventRideStatusUpdate EventType = "ride_status_update"
	EventRideCancelled    EventType = "ride_cancelled"
	EventStatusUpdated    EventType = "status_updated"
	// EventError is only written back on a driver socket whose inbound
	// status_update was rejected.
	EventError EventType = "error"
)

// Event is the JSON payload delivered to a recipient's channel.
type Event struct {
	Type     EventType    `json:"type"`
	Ride     *models.Ride `json:"ride,omitempty"`
	RideID   string       `json:"ride_id,omitempty"`
	UserID   string       `json:"user_id,omitempty"`
	DriverID string       `json:"driver_id,omitempty"`
	Status   string       `json:"status,omitempty"`
	Code     string       `json:"code,omitempty"`
	Message  string       `json:"message,omitempty"`
}

func DriverKey(driverID string) string { return "driver:" + driverID }
func UserKey(userID string) string     { return "user:" + userID }
