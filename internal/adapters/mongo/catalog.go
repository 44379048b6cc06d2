package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/cinema-seat-booking/internal/domain"
	"github.com/robertarktes/cinema-seat-booking/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CatalogRepository serves showtimes, seat layouts, price tables and combos that
// the admin tooling maintains in Mongo.
type CatalogRepository struct {
	showtimes *mongo.Collection
	combos    *mongo.Collection
	logger    observability.Logger
}

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		showtimes: db.Collection("showtimes"),
		combos:    db.Collection("combos"),
		logger:    logger,
	}
}

type ShowtimeDoc struct {
	ID         string           `bson:"_id"`
	MovieID    string           `bson:"movie_id"`
	MovieTitle string           `bson:"movie_title"`
	CinemaName string           `bson:"cinema_name"`
	HallName   string           `bson:"hall_name"`
	StartsAt   time.Time        `bson:"starts_at"`
	EndsAt     time.Time        `bson:"ends_at"`
	Prices     map[string]int64 `bson:"prices"`
	Seats      []SeatDoc        `bson:"seats"`
	UpdatedAt  time.Time        `bson:"updated_at"`
}

type SeatDoc struct {
	Number   string `bson:"number"`
	Category string `bson:"category"`
}

type ComboDoc struct {
	ID     string `bson:"_id"`
	Name   string `bson:"name"`
	Price  int64  `bson:"price"`
	Active bool   `bson:"active"`
}

func (c *CatalogRepository) Showtime(ctx context.Context, id string) (domain.Showtime, error) {
	var doc ShowtimeDoc
	err := c.showtimes.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Showtime{}, errors.Wrapf(domain.ErrNotFound, "showtime %s", id)
	}
	if err != nil {
		c.logger.WithError(err).WithField("showtime_id", id).Error("failed to get showtime")
		return domain.Showtime{}, errors.Wrap(err, "find showtime")
	}
	return doc.toDomain(), nil
}

func (c *CatalogRepository) Combos(ctx context.Context, ids []string) (map[string]domain.Combo, error) {
	out := make(map[string]domain.Combo, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	docs, err := c.findCombos(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		out[d.ID] = d
	}
	return out, nil
}

func (c *CatalogRepository) ActiveCombos(ctx context.Context) ([]domain.Combo, error) {
	return c.findCombos(ctx, bson.M{"active": true})
}

func (c *CatalogRepository) findCombos(ctx context.Context, filter bson.M) ([]domain.Combo, error) {
	cur, err := c.combos.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		c.logger.WithError(err).Error("failed to query combos")
		return nil, errors.Wrap(err, "find combos")
	}
	var docs []ComboDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "decode combos")
	}
	out := make([]domain.Combo, len(docs))
	for i, d := range docs {
		out[i] = domain.Combo{ID: d.ID, Name: d.Name, Price: d.Price, Active: d.Active}
	}
	return out, nil
}

// PutShowtime upserts a showtime document. Used by seeding and tests.
func (c *CatalogRepository) PutShowtime(ctx context.Context, st domain.Showtime) error {
	doc := ShowtimeDoc{
		ID:         st.ID,
		MovieID:    st.MovieID,
		MovieTitle: st.MovieTitle,
		CinemaName: st.CinemaName,
		HallName:   st.HallName,
		StartsAt:   st.StartsAt,
		EndsAt:     st.EndsAt,
		Prices:     make(map[string]int64, len(st.Prices)),
		UpdatedAt:  time.Now(),
	}
	for cat, price := range st.Prices {
		doc.Prices[string(cat)] = price
	}
	for _, s := range st.Seats {
		doc.Seats = append(doc.Seats, SeatDoc{Number: s.Number, Category: string(s.Category)})
	}
	_, err := c.showtimes.ReplaceOne(ctx, bson.M{"_id": st.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		c.logger.WithError(err).WithField("showtime_id", st.ID).Error("failed to store showtime")
		return err
	}
	return nil
}

func (c *CatalogRepository) PutCombo(ctx context.Context, combo domain.Combo) error {
	doc := ComboDoc{ID: combo.ID, Name: combo.Name, Price: combo.Price, Active: combo.Active}
	_, err := c.combos.ReplaceOne(ctx, bson.M{"_id": combo.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		c.logger.WithError(err).WithField("combo_id", combo.ID).Error("failed to store combo")
		return err
	}
	return nil
}

func (d ShowtimeDoc) toDomain() domain.Showtime {
	st := domain.Showtime{
		ID:         d.ID,
		MovieID:    d.MovieID,
		MovieTitle: d.MovieTitle,
		CinemaName: d.CinemaName,
		HallName:   d.HallName,
		StartsAt:   d.StartsAt,
		EndsAt:     d.EndsAt,
		Prices:     make(map[domain.SeatCategory]int64, len(d.Prices)),
		Seats:      make([]domain.SeatLayout, len(d.Seats)),
	}
	for cat, price := range d.Prices {
		st.Prices[domain.SeatCategory(cat)] = price
	}
	for i, s := range d.Seats {
		st.Seats[i] = domain.SeatLayout{Number: s.Number, Category: domain.SeatCategory(s.Category)}
	}
	return st
}
