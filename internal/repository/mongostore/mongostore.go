// Package mongostore implements the repository contracts on MongoDB.
// Messages embed their replies and carry a TTL index on expiresAt.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ts03085781/silent-letter/internal/models"
	"github.com/ts03085781/silent-letter/internal/repository"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	usersCollection    = "users"
	messagesCollection = "messages"
)

type userDoc struct {
	ID                      primitive.ObjectID `bson:"_id,omitempty"`
	AnonymousID             string             `bson:"anonymousId"`
	Points                  int                `bson:"points"`
	CreatedAt               time.Time          `bson:"createdAt"`
	LastActiveAt            time.Time          `bson:"lastActiveAt"`
	IsActive                bool               `bson:"isActive"`
	LastDailyRewardDate     *time.Time         `bson:"lastDailyRewardDate,omitempty"`
	TotalDailyRewardsEarned int                `bson:"totalDailyRewardsEarned"`
}

func (d *userDoc) model() *models.User {
	u := &models.User{
		ID:                      d.ID.Hex(),
		AnonymousID:             d.AnonymousID,
		Points:                  d.Points,
		CreatedAt:               d.CreatedAt.UTC(),
		LastActiveAt:            d.LastActiveAt.UTC(),
		IsActive:                d.IsActive,
		TotalDailyRewardsEarned: d.TotalDailyRewardsEarned,
	}
	if d.LastDailyRewardDate != nil {
		t := d.LastDailyRewardDate.UTC()
		u.LastDailyRewardDate = &t
	}
	return u
}

type replyDoc struct {
	Content   string    `bson:"content"`
	RepliedAt time.Time `bson:"repliedAt"`
}

type messageDoc struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	SenderID   primitive.ObjectID `bson:"senderId"`
	ReceiverID primitive.ObjectID `bson:"receiverId"`
	Content    string             `bson:"content"`
	IsRead     bool               `bson:"isRead"`
	SentAt     time.Time          `bson:"sentAt"`
	Replies    []replyDoc         `bson:"replies"`
	ExpiresAt  time.Time          `bson:"expiresAt"`
}

func (d *messageDoc) model() *models.Message {
	m := &models.Message{
		ID:         d.ID.Hex(),
		SenderID:   d.SenderID.Hex(),
		ReceiverID: d.ReceiverID.Hex(),
		Content:    d.Content,
		IsRead:     d.IsRead,
		SentAt:     d.SentAt.UTC(),
		ExpiresAt:  d.ExpiresAt.UTC(),
		Replies:    make([]models.Reply, 0, len(d.Replies)),
	}
	for _, r := range d.Replies {
		m.Replies = append(m.Replies, models.Reply{Content: r.Content, RepliedAt: r.RepliedAt.UTC()})
	}
	return m
}

// NewStore connects to uri, ensures indexes on database dbName and returns
// the repositories backed by it
func NewStore(ctx context.Context, uri, dbName string) (*repository.Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	db := client.Database(dbName)
	if err := ensureIndexes(ctx, db); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	return &repository.Store{
		Users:    &userRepository{coll: db.Collection(usersCollection)},
		Messages: &messageRepository{coll: db.Collection(messagesCollection)},
		Ping: func(ctx context.Context) error {
			return client.Ping(ctx, nil)
		},
		Close: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to disconnect from mongo")
			}
		},
	}, nil
}

func ensureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(usersCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "anonymousId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "isActive", Value: 1}, {Key: "lastActiveAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}

	_, err = db.Collection(messagesCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "receiverId", Value: 1}, {Key: "sentAt", Value: -1}}},
		{Keys: bson.D{{Key: "senderId", Value: 1}, {Key: "sentAt", Value: -1}}},
		{Keys: bson.D{{Key: "receiverId", Value: 1}, {Key: "isRead", Value: 1}}},
		{Keys: bson.D{{Key: "expiresAt", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
	})
	if err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}
	return nil
}

func objectIDs(ids []string) []primitive.ObjectID {
	out := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			out = append(out, oid)
		}
	}
	return out
}

var afterUpdate = options.FindOneAndUpdate().SetReturnDocument(options.After)

type userRepository struct {
	coll *mongo.Collection
}

func (r *userRepository) findOne(ctx context.Context, filter bson.M) (*models.User, error) {
	var doc userDoc
	if err := r.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return doc.model(), nil
}

func (r *userRepository) update(ctx context.Context, filter, update bson.M) (*models.User, error) {
	var doc userDoc
	if err := r.coll.FindOneAndUpdate(ctx, filter, update, afterUpdate).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	return doc.model(), nil
}

// Create inserts user; a taken handle is ErrDuplicate
func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	doc := userDoc{
		ID:                      primitive.NewObjectID(),
		AnonymousID:             user.AnonymousID,
		Points:                  user.Points,
		CreatedAt:               user.CreatedAt,
		LastActiveAt:            user.LastActiveAt,
		IsActive:                user.IsActive,
		TotalDailyRewardsEarned: user.TotalDailyRewardsEarned,
	}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("failed to create user: %w", repository.ErrDuplicate)
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	user.ID = doc.ID.Hex()
	return nil
}

// GetByID returns the user with the given ObjectID hex
func (r *userRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, repository.ErrNotFound
	}
	return r.findOne(ctx, bson.M{"_id": oid})
}

// GetByAnonymousID looks a user up by handle
func (r *userRepository) GetByAnonymousID(ctx context.Context, anonymousID string) (*models.User, error) {
	return r.findOne(ctx, bson.M{"anonymousId": anonymousID})
}

// GetByIDs returns the known users among ids, inactive ones included
func (r *userRepository) GetByIDs(ctx context.Context, ids []string) (map[string]*models.User, error) {
	users := make(map[string]*models.User, len(ids))
	oids := objectIDs(ids)
	if len(oids) == 0 {
		return users, nil
	}

	cur, err := r.coll.Find(ctx, bson.M{"_id": bson.M{"$in": oids}})
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode users: %w", err)
	}
	for i := range docs {
		u := docs[i].model()
		users[u.ID] = u
	}
	return users, nil
}

// TouchActivity moves lastActiveAt forward to at
func (r *userRepository) TouchActivity(ctx context.Context, id string, at time.Time) (*models.User, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, repository.ErrNotFound
	}
	return r.update(ctx, bson.M{"_id": oid}, bson.M{"$max": bson.M{"lastActiveAt": at}})
}

// DebitPoints subtracts amount if the active user can afford it
func (r *userRepository) DebitPoints(ctx context.Context, id string, amount int) (*models.User, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, repository.ErrInsufficientPoints
	}
	filter := bson.M{"_id": oid, "isActive": true, "points": bson.M{"$gte": amount}}
	user, err := r.update(ctx, filter, bson.M{"$inc": bson.M{"points": -amount}})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, repository.ErrInsufficientPoints
	}
	return user, err
}

// CreditPoints adds amount to the balance
func (r *userRepository) CreditPoints(ctx context.Context, id string, amount int) (*models.User, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, repository.ErrNotFound
	}
	return r.update(ctx, bson.M{"_id": oid}, bson.M{"$inc": bson.M{"points": amount}})
}

// ClaimDailyReward credits amount unless a reward was already taken since dayStart
func (r *userRepository) ClaimDailyReward(ctx context.Context, id string, now, dayStart time.Time, amount int) (*models.User, bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, false, repository.ErrNotFound
	}
	filter := bson.M{
		"_id":      oid,
		"isActive": true,
		"$or": bson.A{
			bson.M{"lastDailyRewardDate": bson.M{"$exists": false}},
			bson.M{"lastDailyRewardDate": nil},
			bson.M{"lastDailyRewardDate": bson.M{"$lt": dayStart}},
		},
	}
	update := bson.M{
		"$inc": bson.M{"points": amount, "totalDailyRewardsEarned": 1},
		"$set": bson.M{"lastDailyRewardDate": now},
	}
	user, err := r.update(ctx, filter, update)
	if err == nil {
		return user, true, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	user, err = r.findOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return nil, false, err
	}
	return user, false, nil
}

// SampleRecipient picks one active user other than excludeID with $sample
func (r *userRepository) SampleRecipient(ctx context.Context, excludeID string) (*models.User, error) {
	match := bson.M{"isActive": true}
	if oid, err := primitive.ObjectIDFromHex(excludeID); err == nil {
		match["_id"] = bson.M{"$ne": oid}
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$sample", Value: bson.D{{Key: "size", Value: 1}}}},
	}

	cur, err := r.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to sample recipient: %w", err)
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode recipient: %w", err)
	}
	if len(docs) == 0 {
		return nil, repository.ErrNotFound
	}
	return docs[0].model(), nil
}

// ListInactive returns active users idle since before cutoff, oldest first
func (r *userRepository) ListInactive(ctx context.Context, cutoff time.Time, limit int) ([]*models.User, error) {
	opts := options.Find().SetSort(bson.D{{Key: "lastActiveAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.coll.Find(ctx, bson.M{"isActive": true, "lastActiveAt": bson.M{"$lt": cutoff}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list inactive users: %w", err)
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode inactive users: %w", err)
	}
	users := make([]*models.User, 0, len(docs))
	for i := range docs {
		users = append(users, docs[i].model())
	}
	return users, nil
}

// Deactivate clears isActive if the user is still idle since before cutoff
func (r *userRepository) Deactivate(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, nil
	}
	filter := bson.M{"_id": oid, "isActive": true, "lastActiveAt": bson.M{"$lt": cutoff}}
	res, err := r.coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"isActive": false}})
	if err != nil {
		return false, fmt.Errorf("failed to deactivate user: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

type messageRepository struct {
	coll *mongo.Collection
}

// ValidID reports whether id is an ObjectID hex
func (r *messageRepository) ValidID(id string) bool {
	return primitive.IsValidObjectID(id)
}

// filter renders a MessageFilter, always excluding expired documents the
// TTL monitor has not reaped yet
func (r *messageRepository) filter(f repository.MessageFilter) (bson.M, bool) {
	q := bson.M{"expiresAt": bson.M{"$gt": time.Now()}}
	field := func(name, id string) bool {
		if id == "" {
			return true
		}
		oid, err := primitive.ObjectIDFromHex(id)
		if err != nil {
			return false
		}
		q[name] = oid
		return true
	}
	if !field("senderId", f.SenderID) || !field("receiverId", f.ReceiverID) {
		return nil, false
	}
	if f.ParticipantID != "" {
		oid, err := primitive.ObjectIDFromHex(f.ParticipantID)
		if err != nil {
			return nil, false
		}
		q["$or"] = bson.A{bson.M{"senderId": oid}, bson.M{"receiverId": oid}}
	}
	return q, true
}

// Create stores msg, assigning an id
func (r *messageRepository) Create(ctx context.Context, msg *models.Message) error {
	sender, err := primitive.ObjectIDFromHex(msg.SenderID)
	if err != nil {
		return fmt.Errorf("invalid sender id %q: %w", msg.SenderID, err)
	}
	receiver, err := primitive.ObjectIDFromHex(msg.ReceiverID)
	if err != nil {
		return fmt.Errorf("invalid receiver id %q: %w", msg.ReceiverID, err)
	}
	doc := messageDoc{
		ID:         primitive.NewObjectID(),
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    msg.Content,
		IsRead:     msg.IsRead,
		SentAt:     msg.SentAt,
		Replies:    []replyDoc{},
		ExpiresAt:  msg.ExpiresAt,
	}
	if _, err := r.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	msg.ID = doc.ID.Hex()
	if msg.Replies == nil {
		msg.Replies = []models.Reply{}
	}
	return nil
}

// GetByID returns a live message
func (r *messageRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, repository.ErrNotFound
	}
	var doc messageDoc
	err = r.coll.FindOne(ctx, bson.M{"_id": oid, "expiresAt": bson.M{"$gt": time.Now()}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return doc.model(), nil
}

// List returns a window of matching live messages, newest first
func (r *messageRepository) List(ctx context.Context, f repository.MessageFilter, skip, limit int) ([]*models.Message, error) {
	q, ok := r.filter(f)
	if !ok {
		return []*models.Message{}, nil
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "sentAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(skip)).
		SetLimit(int64(limit))

	cur, err := r.coll.Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	messages := make([]*models.Message, 0, len(docs))
	for i := range docs {
		messages = append(messages, docs[i].model())
	}
	return messages, nil
}

// Count counts matching live messages
func (r *messageRepository) Count(ctx context.Context, f repository.MessageFilter) (int64, error) {
	q, ok := r.filter(f)
	if !ok {
		return 0, nil
	}
	n, err := r.coll.CountDocuments(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// CountUnread counts live unread messages of receiverID
func (r *messageRepository) CountUnread(ctx context.Context, receiverID string) (int64, error) {
	q, ok := r.filter(repository.MessageFilter{ReceiverID: receiverID})
	if !ok {
		return 0, nil
	}
	q["isRead"] = false
	n, err := r.coll.CountDocuments(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return n, nil
}

// MarkRead flags the given messages as read
func (r *messageRepository) MarkRead(ctx context.Context, ids []string) error {
	oids := objectIDs(ids)
	if len(oids) == 0 {
		return nil
	}
	_, err := r.coll.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": oids}, "isRead": false},
		bson.M{"$set": bson.M{"isRead": true}},
	)
	if err != nil {
		return fmt.Errorf("failed to mark messages read: %w", err)
	}
	return nil
}

// AppendReply pushes reply onto a live message
func (r *messageRepository) AppendReply(ctx context.Context, id string, reply models.Reply) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return repository.ErrNotFound
	}
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": oid, "expiresAt": bson.M{"$gt": time.Now()}},
		bson.M{"$push": bson.M{"replies": replyDoc{Content: reply.Content, RepliedAt: reply.RepliedAt}}},
	)
	if err != nil {
		return fmt.Errorf("failed to append reply: %w", err)
	}
	if res.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteExpired removes messages whose expiresAt is not after now
func (r *messageRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, bson.M{"expiresAt": bson.M{"$lte": now}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired messages: %w", err)
	}
	return res.DeletedCount, nil
}

// DeleteByParticipant removes every message sent or received by userID
func (r *messageRepository) DeleteByParticipant(ctx context.Context, userID string) (int64, error) {
	oid, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return 0, nil
	}
	res, err := r.coll.DeleteMany(ctx, bson.M{"$or": bson.A{bson.M{"senderId": oid}, bson.M{"receiverId": oid}}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	return res.DeletedCount, nil
}
