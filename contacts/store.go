package contacts

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Contact is one phone-book edge attached to a debtor: a number a collector
// may try when the debtor stops answering. Contacts arrive from the origin
// system with the case and from collectors recording new numbers mid-call.
type Contact struct {
	ApplicationID int64     `bson:"application_id" json:"application_id"`
	UserID        int64     `bson:"user_id" json:"user_id"`
	Name          string    `bson:"name" json:"name"`
	MobileNo      string    `bson:"mobile_no" json:"mobile_no"`
	Relation      string    `bson:"relation" json:"relation"` // self, family, colleague, reference
	Source        string    `bson:"source" json:"source"`     // origin, collector
	CreatedAt     time.Time `bson:"created_at" json:"created_at"`
}

// Store keeps the contact graph in Mongo. The collection is append-mostly
// and unbounded per user, which is why it lives outside Postgres.
type Store struct {
	coll *mongo.Collection
}

// NewStore creates a store on the call_contacts collection
func NewStore(db *mongo.Database) *Store {
	return &Store{coll: db.Collection("call_contacts")}
}

// EnsureIndexes creates the lookup indexes. Safe to call on every boot.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "application_id", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
		{Keys: bson.D{{Key: "mobile_no", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("ensure call_contacts indexes: %w", err)
	}
	return nil
}

// Save upserts one contact, keyed by (application, number)
func (s *Store) Save(ctx context.Context, c Contact) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	filter := bson.M{"application_id": c.ApplicationID, "mobile_no": c.MobileNo}
	_, err := s.coll.UpdateOne(ctx, filter, bson.M{"$set": c}, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save contact for application %d: %w", c.ApplicationID, err)
	}
	return nil
}

// SaveBatch upserts a batch of contacts, typically the origin-system
// phone book arriving with a new case
func (s *Store) SaveBatch(ctx context.Context, batch []Contact) error {
	if len(batch) == 0 {
		return nil
	}
	models := make([]mongo.WriteModel, 0, len(batch))
	now := time.Now()
	for _, c := range batch {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"application_id": c.ApplicationID, "mobile_no": c.MobileNo}).
			SetUpdate(bson.M{"$set": c}).
			SetUpsert(true))
	}
	_, err := s.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("save %d contacts: %w", len(batch), err)
	}
	return nil
}

// ListByApplication returns the case's phone book, newest first
func (s *Store) ListByApplication(ctx context.Context, applicationID int64) ([]Contact, error) {
	return s.find(ctx, bson.M{"application_id": applicationID})
}

// ListByUser returns every contact seen for a debtor across cases
func (s *Store) ListByUser(ctx context.Context, userID int64) ([]Contact, error) {
	return s.find(ctx, bson.M{"user_id": userID})
}

// FindSharedNumber reports which other debtors list the same number.
// Collectors use it to spot guarantors appearing on multiple cases.
func (s *Store) FindSharedNumber(ctx context.Context, mobileNo string) ([]Contact, error) {
	return s.find(ctx, bson.M{"mobile_no": mobileNo})
}

func (s *Store) find(ctx context.Context, filter bson.M) ([]Contact, error) {
	cursor, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("find contacts: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Contact
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode contacts: %w", err)
	}
	return out, nil
}
