package services

import (
	"database/sql"

	"github.com/google/uuid"

	"github.com/averos/backstop/internal/models"
	"github.com/averos/backstop/internal/websocket"
)

// EventServiceProvider defines the interface for event services.
type EventServiceProvider interface {
	CreateEvent(eventType, level, message string, targetID *string) error
	GetRecentEvents(limit int) ([]models.Event, error)
}

// EventService provides business logic for event management. Events are
// persisted and, when a hub is attached, pushed to dashboard clients.
type EventService struct {
	db  *sql.DB
	hub *websocket.Hub
}

// NewEventService creates a new EventService. hub may be nil.
func NewEventService(db *sql.DB, hub *websocket.Hub) *EventService {
	return &EventService{db: db, hub: hub}
}

// CreateEvent logs a new event to the database and broadcasts it.
func (s *EventService) CreateEvent(eventType, level, message string, targetID *string) error {
	event := models.Event{
		ID:       uuid.New().String(),
		Type:     eventType,
		Level:    level,
		Message:  message,
		TargetID: targetID,
	}

	stmt, err := s.db.Prepare("INSERT INTO events (id, type, level, message, target_id) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	if _, err = stmt.Exec(event.ID, event.Type, event.Level, event.Message, event.TargetID); err != nil {
		return err
	}

	if s.hub != nil {
		payload := websocket.NewEventMessage(event)
		s.hub.Broadcast <- payload
		if targetID != nil {
			s.hub.BroadcastTo(*targetID, payload)
		}
	}
	return nil
}

// GetRecentEvents retrieves the most recent events from the database.
func (s *EventService) GetRecentEvents(limit int) ([]models.Event, error) {
	rows, err := s.db.Query("SELECT id, type, level, message, target_id, created_at FROM events ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var event models.Event
		if err := rows.Scan(&event.ID, &event.Type, &event.Level, &event.Message, &event.TargetID, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}
