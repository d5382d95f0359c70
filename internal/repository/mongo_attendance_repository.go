package repository

import (
	"context"
	"errors"
	"time"

	"github.com/stemsi/academy-attendance/internal/clock"
	"github.com/stemsi/academy-attendance/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	mongoCoursesCollection  = "courses"
	mongoSessionsCollection = "attendance_sessions"
)

// mongoSession is the stored document; the class id doubles as the primary key.
type mongoSession struct {
	ClassID         string              `bson:"_id"`
	CourseID        string              `bson:"course_id"`
	Topic           string              `bson:"topic"`
	TimerMinutes    int                 `bson:"timer_minutes"`
	StartedAt       time.Time           `bson:"started_at"`
	ExpiresAt       time.Time           `bson:"expires_at"`
	Status          model.SessionStatus `bson:"status"`
	StudentsPresent []string            `bson:"students_present"`
}

func (d *mongoSession) toModel() model.AttendanceSession {
	present := d.StudentsPresent
	if present == nil {
		present = []string{}
	}
	return model.AttendanceSession{
		ClassID:         d.ClassID,
		CourseID:        d.CourseID,
		Topic:           d.Topic,
		TimerMinutes:    d.TimerMinutes,
		StartedAt:       d.StartedAt.UTC(),
		ExpiresAt:       d.ExpiresAt.UTC(),
		Status:          d.Status,
		StudentsPresent: present,
	}
}

// MongoAttendanceRepository stores each session as one document holding its presence array.
type MongoAttendanceRepository struct {
	courses  *mongo.Collection
	sessions *mongo.Collection
	clock    clock.Clock
}

// NewMongoAttendanceRepository creates the repository and its course index.
func NewMongoAttendanceRepository(ctx context.Context, db *mongo.Database, clk clock.Clock) (*MongoAttendanceRepository, error) {
	r := &MongoAttendanceRepository{
		courses:  db.Collection(mongoCoursesCollection),
		sessions: db.Collection(mongoSessionsCollection),
		clock:    clk,
	}
	_, err := r.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "course_id", Value: 1}, {Key: "started_at", Value: 1}},
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// EnsureCourse upserts the course document.
func (r *MongoAttendanceRepository) EnsureCourse(ctx context.Context, c model.Course) error {
	_, err := r.courses.UpdateOne(ctx,
		bson.M{"_id": c.ID},
		bson.M{"$setOnInsert": bson.M{"name": c.Name}},
		options.Update().SetUpsert(true),
	)
	return err
}

// CreateSession inserts a new session document.
func (r *MongoAttendanceRepository) CreateSession(ctx context.Context, s *model.AttendanceSession) error {
	n, err := r.courses.CountDocuments(ctx, bson.M{"_id": s.CourseID}, options.Count().SetLimit(1))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCourseNotFound
	}

	present := s.StudentsPresent
	if present == nil {
		present = []string{}
	}
	_, err = r.sessions.InsertOne(ctx, mongoSession{
		ClassID:         s.ClassID,
		CourseID:        s.CourseID,
		Topic:           s.Topic,
		TimerMinutes:    s.TimerMinutes,
		StartedAt:       s.StartedAt,
		ExpiresAt:       s.ExpiresAt,
		Status:          s.Status,
		StudentsPresent: present,
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateClass
	}
	return err
}

// CloseSession marks a session closed.
func (r *MongoAttendanceRepository) CloseSession(ctx context.Context, key model.SessionKey) error {
	res, err := r.sessions.UpdateOne(ctx,
		sessionFilter(key),
		bson.M{"$set": bson.M{"status": model.SessionStatusClosed}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// GetSession retrieves one session document.
func (r *MongoAttendanceRepository) GetSession(ctx context.Context, key model.SessionKey) (*model.AttendanceSession, error) {
	var doc mongoSession
	err := r.sessions.FindOne(ctx, sessionFilter(key)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	s := doc.toModel()
	return &s, nil
}

// ListByCourses retrieves every session of the given courses.
func (r *MongoAttendanceRepository) ListByCourses(ctx context.Context, courseIDs []string) ([]model.AttendanceSession, error) {
	if len(courseIDs) == 0 {
		return nil, nil
	}
	cursor, err := r.sessions.Find(ctx,
		bson.M{"course_id": bson.M{"$in": courseIDs}},
		options.Find().SetSort(bson.D{{Key: "course_id", Value: 1}, {Key: "started_at", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var sessions []model.AttendanceSession
	for cursor.Next(ctx) {
		var doc mongoSession
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		sessions = append(sessions, doc.toModel())
	}
	return sessions, cursor.Err()
}

// AddAttendee appends userID with a single-document pipeline update. The document is
// modified only while the session is active, the commit instant is before expires_at and
// the user is absent, so the check and the append are one atomic step. The commit instant
// comes from the injected clock, never the server's $$NOW, so listings and commits agree.
func (r *MongoAttendanceRepository) AddAttendee(ctx context.Context, key model.SessionKey, userID string) (model.AddOutcome, error) {
	user := bson.M{"$literal": userID}
	commitAt := r.clock.Now()
	canAdd := bson.M{"$and": bson.A{
		bson.M{"$eq": bson.A{"$status", string(model.SessionStatusActive)}},
		bson.M{"$lt": bson.A{bson.M{"$literal": commitAt}, "$expires_at"}},
		bson.M{"$not": bson.A{bson.M{"$in": bson.A{user, "$students_present"}}}},
	}}
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"students_present": bson.M{"$cond": bson.A{
				canAdd,
				bson.M{"$concatArrays": bson.A{"$students_present", bson.A{user}}},
				"$students_present",
			}},
		}}},
	}

	res, err := r.sessions.UpdateOne(ctx, sessionFilter(key), pipeline)
	if err != nil {
		return "", err
	}
	if res.MatchedCount == 0 {
		return "", ErrSessionNotFound
	}
	if res.ModifiedCount == 1 {
		return model.AddOutcomeAdded, nil
	}

	// Nothing changed: either the window is shut or the user was already recorded.
	current, err := r.GetSession(ctx, key)
	if err != nil {
		return "", err
	}
	if current.StatusAt(commitAt) != model.EffectiveOpen {
		return model.AddOutcomeWindowClosed, nil
	}
	if current.HasAttendee(userID) {
		return model.AddOutcomeAlreadyPresent, nil
	}
	// Closed and reopened windows cannot happen, so an unchanged document with an
	// open window means the update raced a close.
	return model.AddOutcomeWindowClosed, nil
}

func sessionFilter(key model.SessionKey) bson.M {
	return bson.M{"_id": key.ClassID, "course_id": key.CourseID}
}
