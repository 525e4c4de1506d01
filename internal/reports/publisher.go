package reports

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/technosupport/ts-inventory/internal/inventory"
)

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher sends every report to <prefix>.<device>.
type NATSPublisher struct {
	conn       Conn
	prefix     string
	maxRetries int
}

func NewNATSPublisher(conn Conn, prefix string, maxRetries int) *NATSPublisher {
	if prefix == "" {
		prefix = "inventory.counts"
	}
	return &NATSPublisher{
		conn:       conn,
		prefix:     prefix,
		maxRetries: maxRetries,
	}
}

var subjectToken = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// Subject returns the subject for a device. Reports without a device go to
// <prefix>.unassigned.
func (p *NATSPublisher) Subject(deviceID string) string {
	if deviceID == "" {
		deviceID = "unassigned"
	}
	return p.prefix + "." + subjectToken.Replace(deviceID)
}

func (p *NATSPublisher) Publish(r inventory.Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	subject := p.Subject(r.DeviceID)
	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.Publish(subject, data)
		if err == nil {
			return nil
		}

		// Backoff
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}

	return fmt.Errorf("publish failed after %d retries: %w", p.maxRetries, err)
}
