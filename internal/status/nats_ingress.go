package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// Ingress receives device telemetry over NATS. Stations publish to
// <prefix>.<stationID>.status; the station ID is taken from the subject, not
// the payload, so a report cannot claim to be from a different station than
// the topic it arrived on.
type Ingress struct {
	conn    *nats.Conn
	prefix  string
	agg     *Aggregator
	log     *slog.Logger
	subject string
}

func NewIngress(conn *nats.Conn, subjectPrefix string, agg *Aggregator, log *slog.Logger) *Ingress {
	return &Ingress{
		conn:    conn,
		prefix:  subjectPrefix,
		agg:     agg,
		log:     log,
		subject: subjectPrefix + ".*.status",
	}
}

// Start subscribes to the wildcard telemetry subject. The returned stop
// function drains the subscription.
func (i *Ingress) Start() (stop func() error, err error) {
	sub, err := i.conn.Subscribe(i.subject, i.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", i.subject, err)
	}
	i.log.Info("telemetry ingress subscribed", "subject", i.subject)
	return sub.Unsubscribe, nil
}

func (i *Ingress) handle(msg *nats.Msg) {
	stationID, ok := stationIDFromSubject(msg.Subject, i.prefix)
	if !ok {
		i.log.Warn("dropping telemetry on unexpected subject", "subject", msg.Subject)
		return
	}

	var rep Report
	if err := json.Unmarshal(msg.Data, &rep); err != nil {
		i.log.Warn("dropping malformed telemetry", "stationId", stationID, "error", err)
		return
	}
	rep.StationID = stationID

	i.agg.Offer(context.Background(), rep)
}

func stationIDFromSubject(subject, prefix string) (string, bool) {
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return "", false
	}
	stationID, ok := strings.CutSuffix(rest, ".status")
	if !ok || stationID == "" || strings.Contains(stationID, ".") {
		return "", false
	}
	return stationID, true
}
