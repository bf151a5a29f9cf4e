package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/config"
	"github.com/taskforge/taskforge/internal/logging"
)

// NewNATSMirror connects to cfg.NATSURL and returns a fan-out function
// suitable for Bus.SetMirror, plus a cleanup that drains and closes the
// connection. Every envelope is published to "<namespace>.<eventType>",
// grounded on the teacher's NATSEventBus connection/reconnect handling.
func NewNATSMirror(cfg config.EventsConfig, log *logging.Logger) (func(Envelope), func() error, error) {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "taskforge"
	}

	conn, err := nats.Connect(cfg.NATSURL,
		nats.Name(namespace),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats mirror disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithFields(zap.String("url", nc.ConnectedUrl())).Info("nats mirror reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.WithError(err).Error("nats mirror error")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("eventbus: connect nats mirror: %w", err)
	}

	mirror := func(env Envelope) {
		data, err := json.Marshal(env)
		if err != nil {
			log.WithError(err).Warn("nats mirror: failed to marshal envelope")
			return
		}
		subject := namespace + "." + env.Type
		if err := conn.Publish(subject, data); err != nil {
			log.WithError(err).WithFields(zap.String("subject", subject)).Warn("nats mirror: publish failed")
		}
	}

	cleanup := func() error {
		if err := conn.Drain(); err != nil {
			conn.Close()
			return fmt.Errorf("eventbus: drain nats mirror: %w", err)
		}
		return nil
	}

	return mirror, cleanup, nil
}
