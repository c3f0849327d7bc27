package store

import (
	"context"
	"fmt"
	"time"

	"relaychat/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const messagesCollection = "messages"

// mongoMessage is the stored document. The ObjectID doubles as the
// insertion-order tie breaker.
type mongoMessage struct {
	OID        primitive.ObjectID `bson:"_id"`
	Seq        uint64             `bson:"seq"`
	ID         string             `bson:"id"`
	SenderID   string             `bson:"sender_id"`
	ReceiverID *string            `bson:"receiver_id,omitempty"`
	Room       *string            `bson:"room,omitempty"`
	Text       string             `bson:"text"`
	CreatedAt  time.Time          `bson:"created_at"`
}

func (d mongoMessage) model() models.Message {
	return models.Message{
		Seq:        d.Seq,
		ID:         d.ID,
		SenderID:   d.SenderID,
		ReceiverID: d.ReceiverID,
		Room:       d.Room,
		Text:       d.Text,
		CreatedAt:  d.CreatedAt,
	}
}

// Mongo stores messages in a MongoDB collection.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// ConnectMongo 连接 MongoDB 并确保查询所需的索引存在。
func ConnectMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	s := &Mongo{client: client, coll: client.Database(database).Collection(messagesCollection)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "room", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "sender_id", Value: 1}, {Key: "receiver_id", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create mongo indexes: %w", err)
	}
	return nil
}

func (s *Mongo) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Append inserts m. Seq is derived from the ObjectID timestamp and counter
// so callers can page with BeforeSeq like on the SQL store.
func (s *Mongo) Append(ctx context.Context, m *models.Message) error {
	if err := checkMessage(m); err != nil {
		return err
	}
	oid := primitive.NewObjectID()
	m.Seq = objectSeq(oid)
	doc := mongoMessage{
		OID:        oid,
		Seq:        m.Seq,
		ID:         m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Room:       m.Room,
		Text:       m.Text,
		CreatedAt:  m.CreatedAt,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *Mongo) Query(ctx context.Context, f Filter) ([]models.Message, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	filter := bson.M{}
	if f.Room != "" {
		filter["room"] = f.Room
	} else {
		filter["$or"] = bson.A{
			bson.M{"sender_id": f.UserA, "receiver_id": f.UserB},
			bson.M{"sender_id": f.UserB, "receiver_id": f.UserA},
		}
	}
	if f.BeforeSeq > 0 {
		filter["seq"] = bson.M{"$lt": f.BeforeSeq}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if f.Limit > 0 {
		opts = options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
			SetLimit(int64(f.Limit))
	}

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	var docs []mongoMessage
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}

	out := make([]models.Message, len(docs))
	for i, d := range docs {
		out[i] = d.model()
	}
	if f.Limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// objectSeq packs the ObjectID's seconds and 3-byte counter into one
// number. A later second always sorts higher. Within one second it follows
// the driver counter, which only wraps after 2^24 ids, so the wrap can
// reorder ties inside that second but never across seconds.
func objectSeq(oid primitive.ObjectID) uint64 {
	ts := uint64(oid.Timestamp().Unix())
	counter := uint64(oid[9])<<16 | uint64(oid[10])<<8 | uint64(oid[11])
	return ts<<24 | counter
}
