package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/cinema-booking-engine/internal/domain"
	"github.com/robertarktes/cinema-booking-engine/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID            string    `bson:"_id"`
	Action        string    `bson:"action"`
	AggregateType string    `bson:"aggregate_type"`
	AggregateID   string    `bson:"aggregate_id"`
	OccurredAt    time.Time `bson:"occurred_at"`
	RecordedAt    time.Time `bson:"recorded_at"`
	Data          bson.M    `bson:"data"`
}

// Record stores one relayed event. The event id is the document id, so a
// redelivered event is recorded once.
func (a *AuditLogger) Record(ctx context.Context, ev domain.Event) error {
	var data bson.M
	if len(ev.Payload) > 0 {
		if err := bson.UnmarshalExtJSON(ev.Payload, false, &data); err != nil {
			return errors.Wrapf(err, "decode payload of event %s", ev.ID)
		}
	}
	entry := AuditLog{
		ID:            ev.ID.String(),
		Action:        ev.Type,
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID.String(),
		OccurredAt:    ev.CreatedAt,
		RecordedAt:    time.Now(),
		Data:          data,
	}
	_, err := a.coll.InsertOne(ctx, entry)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		a.logger.WithError(err).WithField("event_id", ev.ID).Error("failed to insert audit log")
		return err
	}
	return nil
}

// History returns the recorded events of one aggregate, oldest first.
func (a *AuditLogger) History(ctx context.Context, aggregateID string) ([]AuditLog, error) {
	cur, err := a.coll.Find(ctx, bson.M{"aggregate_id": aggregateID}, options.Find().SetSort(bson.D{{Key: "occurred_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var out []AuditLog
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
