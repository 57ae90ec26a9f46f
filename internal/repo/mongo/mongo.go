package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/hamed0406/gefion/internal/domain"
	"github.com/hamed0406/gefion/internal/repo"
)

var _ repo.MonitorStore = (*Store)(nil)

const (
	collectionMonitors = "monitors"
	opTimeout          = 5 * time.Second
	maxMergeAttempts   = 8
)

// ErrConflict is returned when a state merge keeps losing to concurrent writers.
var ErrConflict = errors.New("mongo: state merge conflict")

type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	log    *zap.Logger
}

type contactDoc struct {
	Notifier    string `bson:"notifier"`
	Destination string `bson:"destination"`
}

// monitorDoc keeps arguments as a JSON string so numbers decode the same way
// they do from the wire.
type monitorDoc struct {
	ID               string       `bson:"_id"`
	UniqueID         string       `bson:"unique_id"`
	Name             string       `bson:"name"`
	Check            string       `bson:"check"`
	Arguments        string       `bson:"arguments"`
	Worker           string       `bson:"worker"`
	Frequency        int          `bson:"frequency"`
	Contacts         []contactDoc `bson:"contacts"`
	LastAvailability *bool        `bson:"last_availability"`
	LastMessage      string       `bson:"last_message"`
	LastUpdated      *time.Time   `bson:"last_updated"`
	Revision         int64        `bson:"revision"`
}

// New connects to uri, pings, and ensures indexes on the monitors collection of db.
func New(ctx context.Context, uri, db string, log *zap.Logger) (*Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(10*time.Second).
		SetRetryWrites(true).
		SetRetryReads(true))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	s := &Store{client: client, coll: client.Database(db).Collection(collectionMonitors), log: log}
	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	log.Info("mongo_ready", zap.String("database", db))
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "unique_id", Value: 1}}},
		{Keys: bson.D{{Key: "worker", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongo indexes: %w", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) Put(ctx context.Context, m domain.Monitor) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	args, err := json.Marshal(m.Definition.ProbeArgs)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	contacts := make([]contactDoc, 0, len(m.State.Contacts))
	for _, c := range m.State.Contacts {
		contacts = append(contacts, contactDoc{Notifier: c.ChannelKind, Destination: c.Destination})
	}

	d := m.Definition
	update := bson.M{
		"$set": bson.M{
			"unique_id": d.VersionID,
			"name":      m.State.Name,
			"check":     d.ProbeKind,
			"arguments": string(args),
			"worker":    d.Worker,
			"frequency": d.IntervalSeconds,
			"contacts":  contacts,
		},
		"$setOnInsert": bson.M{
			"last_availability": nil,
			"last_message":      "",
			"revision":          int64(0),
		},
	}
	if _, err := s.coll.UpdateByID(ctx, d.MonitorID, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("upsert monitor: %w", err)
	}
	return nil
}

func (s *Store) Find(ctx context.Context, monitorID, versionID string) (*domain.Monitor, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	doc, err := s.findOne(ctx, bson.M{"_id": monitorID})
	if errors.Is(err, mongo.ErrNoDocuments) && versionID != "" {
		doc, err = s.findOne(ctx, bson.M{"unique_id": versionID})
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.toMonitor()
}

func (s *Store) List(ctx context.Context) ([]domain.Monitor, error) {
	return s.listWhere(ctx, bson.M{})
}

func (s *Store) listWhere(ctx context.Context, filter bson.M) ([]domain.Monitor, error) {
	docs, err := s.find(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Monitor, 0, len(docs))
	for _, doc := range docs {
		m, err := doc.toMonitor()
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

func (s *Store) ListByWorker(ctx context.Context, worker string) ([]domain.Monitor, error) {
	return s.listWhere(ctx, bson.M{"worker": worker})
}

func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete monitor: %w", err)
	}
	return nil
}

// UpdateState is an optimistic merge: the write only lands if the document's
// revision is still the one fn saw, otherwise fn runs again on fresh state.
func (s *Store) UpdateState(ctx context.Context, id string, fn func(*domain.MonitorState) error) error {
	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		done, err := s.tryMerge(ctx, id, fn)
		if err != nil || done {
			return err
		}
		s.log.Debug("mongo_merge_conflict", zap.String("monitor_id", id), zap.Int("attempt", attempt+1))
	}
	return ErrConflict
}

func (s *Store) tryMerge(ctx context.Context, id string, fn func(*domain.MonitorState) error) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	doc, err := s.findOne(ctx, bson.M{"_id": id})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, domain.ErrUnknownMonitor
	}
	if err != nil {
		return false, err
	}
	m, err := doc.toMonitor()
	if err != nil {
		return false, err
	}

	st := m.State
	if err := fn(&st); err != nil {
		return false, err
	}

	var updated *time.Time
	if !st.LastUpdatedAt.IsZero() {
		updated = &st.LastUpdatedAt
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "revision": doc.Revision},
		bson.M{
			"$set": bson.M{
				"last_availability": st.LastAvailable,
				"last_message":      st.LastMessage,
				"last_updated":      updated,
			},
			"$inc": bson.M{"revision": 1},
		},
	)
	if err != nil {
		return false, fmt.Errorf("update state: %w", err)
	}
	return res.MatchedCount == 1, nil
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (*monitorDoc, error) {
	var doc monitorDoc
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}
		return nil, fmt.Errorf("find monitor: %w", err)
	}
	return &doc, nil
}

func (s *Store) find(ctx context.Context, filter bson.M) ([]monitorDoc, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find monitors: %w", err)
	}
	var docs []monitorDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode monitors: %w", err)
	}
	return docs, nil
}

func (d *monitorDoc) toMonitor() (*domain.Monitor, error) {
	m := &domain.Monitor{
		Definition: domain.CheckDefinition{
			MonitorID:       d.ID,
			VersionID:       d.UniqueID,
			ProbeKind:       d.Check,
			IntervalSeconds: d.Frequency,
			Worker:          d.Worker,
		},
		State: domain.MonitorState{
			ID:            d.ID,
			VersionID:     d.UniqueID,
			Name:          d.Name,
			LastAvailable: d.LastAvailability,
			LastMessage:   d.LastMessage,
		},
	}
	if d.Arguments != "" {
		if err := json.Unmarshal([]byte(d.Arguments), &m.Definition.ProbeArgs); err != nil {
			return nil, fmt.Errorf("decode arguments of %s: %w", d.ID, err)
		}
	}
	if d.LastUpdated != nil {
		m.State.LastUpdatedAt = d.LastUpdated.UTC()
	}
	for _, c := range d.Contacts {
		m.State.Contacts = append(m.State.Contacts, domain.ContactRef{ChannelKind: c.Notifier, Destination: c.Destination})
	}
	return m, nil
}
