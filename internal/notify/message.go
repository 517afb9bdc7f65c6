// Package notify delivers best-effort presence notifications.
//
// The Dispatcher turns a device sighting into a Message and fans it out to
// every configured Transport (ntfy push, MQTT, the live websocket feed).
// Sends run in the background under a bounded concurrency budget and a
// per-send timeout. Transport failures are logged and counted, never
// returned to the caller.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mosiko1234/heimdal/presence/internal/device"
)

// ErrDisabled is returned by transports that are configured off.
var ErrDisabled = errors.New("notification transport disabled")

// Priorities understood by ntfy.
const (
	PriorityHigh    = "high"
	PriorityDefault = "default"
)

// Message is a rendered notification.
type Message struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Body      string        `json:"body"`
	Priority  string        `json:"priority"`
	Topic     string        `json:"topic,omitempty"`
	Reason    device.Reason `json:"reason"`
	MAC       string        `json:"mac"`
	IP        string        `json:"ip,omitempty"`
	Host      string        `json:"host,omitempty"`
	Name      string        `json:"name,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Transport sends a Message somewhere.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// BuildMessage renders the notification for d.
//
//	new_device:          "Unknown Device Connected", high priority
//	known_device_event:  "Tracked Device Connected", default priority
func BuildMessage(d *device.Device, reason device.Reason, topic string, now time.Time) Message {
	msg := Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Reason:    reason,
		MAC:       d.MAC,
		IP:        d.IP,
		Host:      d.Host,
		Name:      d.Name,
		Timestamp: now.UTC(),
	}

	label := d.Name
	if label == "" {
		label = d.Host
	}
	if label == "" {
		label = "Unknown device"
	}

	if reason == device.ReasonNewDevice {
		msg.Title = "Unknown Device Connected"
		msg.Priority = PriorityHigh
	} else {
		msg.Title = "Tracked Device Connected"
		msg.Priority = PriorityDefault
	}
	msg.Body = fmt.Sprintf("%s (%s) connected with IP %s", label, d.MAC, d.IP)
	return msg
}
