package mq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	commonlog "rtc_server/server/common/log"
)

// Dial opens the broker connection used by the event publisher. The
// connection name shows up in the broker UI next to each instance.
func Dial(url, name string) (*amqp.Connection, error) {
	props := amqp.NewConnectionProperties()
	if name != "" {
		props.SetClientConnectionName(name)
	}
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat:  10 * time.Second,
		Locale:     "en_US",
		Properties: props,
	})
	if err != nil {
		return nil, err
	}
	go func() {
		if closeErr, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1)); ok && closeErr != nil {
			commonlog.Warnf("event=mq action=connection_closed code=%d reason=%s", closeErr.Code, closeErr.Reason)
		}
	}()
	return conn, nil
}
