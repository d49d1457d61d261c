package user

import (
	"context"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chatgate/tools/errs"
)

const (
	collUsers   = "users"
	collFriends = "friends"
)

// Profile is the minimal slice of a user this service reads. The user
// database is owned elsewhere; the gateway only consumes it.
type Profile struct {
	ID          string `bson:"_id" json:"id"`
	DisplayName string `bson:"display_name" json:"display_name"`
	Avatar      string `bson:"avatar" json:"avatar"`
	Status      string `bson:"status" json:"status"`
}

type friendLink struct {
	ID      string             `bson:"_id"` // pair key, ordered like a conversation id
	UserA   string             `bson:"user_a"`
	UserB   string             `bson:"user_b"`
	AddedAt primitive.DateTime `bson:"added_at"`
}

// Directory is the mongo-backed user directory collaborator.
type Directory struct {
	users   *mongo.Collection
	friends *mongo.Collection
}

func NewDirectory(db *mongo.Database) *Directory {
	return &Directory{
		users:   db.Collection(collUsers),
		friends: db.Collection(collFriends),
	}
}

// Exists reports whether a user id is known to the directory.
func (d *Directory) Exists(ctx context.Context, id string) (bool, error) {
	n, err := d.users.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, errs.ErrInfra.WithDetail("user exists: " + err.Error())
	}
	return n > 0, nil
}

// Get loads one profile.
func (d *Directory) Get(ctx context.Context, id string) (Profile, error) {
	var p Profile
	err := d.users.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Profile{}, errs.ErrNotFound.WithDetail("user " + id)
	}
	if err != nil {
		return Profile{}, errs.ErrInfra.WithDetail("get user: " + err.Error())
	}
	return p, nil
}

// searchPattern quotes the user-supplied query so regex metacharacters
// match literally instead of reaching the store as a pattern.
func searchPattern(query string) string {
	return regexp.QuoteMeta(query)
}

// Search matches display names case-insensitively, capped at limit.
func (d *Directory) Search(ctx context.Context, query string, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	filter := bson.M{"display_name": bson.M{"$regex": searchPattern(query), "$options": "i"}}
	cur, err := d.users.Find(ctx, filter, options.Find().SetLimit(int64(limit)))
	if err != nil {
		return nil, errs.ErrInfra.WithDetail("search users: " + err.Error())
	}
	defer cur.Close(ctx)
	var found []Profile
	if err := cur.All(ctx, &found); err != nil {
		return nil, errs.ErrInfra.WithDetail("decode search page: " + err.Error())
	}
	return found, nil
}

// AddFriend upserts the undirected friend link between two users and
// returns the target's profile for the friend_added payload. Re-adding
// an existing friend is a no-op upsert.
func (d *Directory) AddFriend(ctx context.Context, callerID, targetID string) (Profile, error) {
	target, err := d.Get(ctx, targetID)
	if err != nil {
		return Profile{}, err
	}
	a, b := callerID, targetID
	if a > b {
		a, b = b, a
	}
	link := friendLink{ID: a + ":" + b, UserA: a, UserB: b, AddedAt: primitive.NewDateTimeFromTime(time.Now().UTC())}
	_, err = d.friends.UpdateOne(ctx,
		bson.M{"_id": link.ID},
		bson.M{"$setOnInsert": link},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return Profile{}, errs.ErrInfra.WithDetail("add friend: " + err.Error())
	}
	return target, nil
}

// FriendsOf lists the user ids linked to userID. Used to route
// friend_status_update pushes to locally-connected friends.
func (d *Directory) FriendsOf(ctx context.Context, userID string) ([]string, error) {
	cur, err := d.friends.Find(ctx, bson.M{"$or": []bson.M{
		{"user_a": userID},
		{"user_b": userID},
	}})
	if err != nil {
		return nil, errs.ErrInfra.WithDetail("friends of: " + err.Error())
	}
	defer cur.Close(ctx)
	var links []friendLink
	if err := cur.All(ctx, &links); err != nil {
		return nil, errs.ErrInfra.WithDetail("decode friend links: " + err.Error())
	}
	out := make([]string, 0, len(links))
	for _, l := range links {
		if l.UserA == userID {
			out = append(out, l.UserB)
		} else {
			out = append(out, l.UserA)
		}
	}
	return out, nil
}
