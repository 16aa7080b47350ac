package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/safewalk/internal/models"
)

// unboundedRadiusM covers half the planet, the farthest any point can be.
const unboundedRadiusM = 20040000

// RedisGeo implements Geo using Redis GEO commands. Positions live in one
// sorted set; the rest of the escort sits in a hash per escort.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

func (r *RedisGeo) Upsert(ctx context.Context, e models.Escort) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: e.Loc.Lng, Latitude: e.Loc.Lat, Name: e.ID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", e.ID, err)
	}
	if err := r.client.HSet(ctx, MetaKey(e.ID), MetaFields(e.Name, e.Label, e.ListeningAddr, e.Online, time.Now())).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", e.ID, err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, id)
	pipe.Del(ctx, MetaKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

func (r *RedisGeo) Get(ctx context.Context, id string) (models.Escort, bool, error) {
	pos, err := r.client.GeoPos(ctx, r.key, id).Result()
	if err != nil {
		return models.Escort{}, false, fmt.Errorf("geopos %s: %w", id, err)
	}
	if len(pos) == 0 || pos[0] == nil {
		return models.Escort{}, false, nil
	}
	e := models.Escort{ID: id, Loc: models.Coord{Lat: pos[0].Latitude, Lng: pos[0].Longitude}}
	if err := r.loadMeta(ctx, &e); err != nil {
		return models.Escort{}, false, err
	}
	return e, true, nil
}

func (r *RedisGeo) Nearby(ctx context.Context, at models.Coord, radiusM float64, limit int) ([]models.Escort, error) {
	if radiusM <= 0 {
		radiusM = unboundedRadiusM
	}
	res, err := r.client.GeoRadius(ctx, r.key, at.Lng, at.Lat, &redis.GeoRadiusQuery{Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	out := make([]models.Escort, 0, len(res))
	for _, g := range res {
		e := models.Escort{ID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lng: g.Longitude}}
		if err := r.loadMeta(ctx, &e); err != nil {
			return nil, err
		}
		if !e.Online {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *RedisGeo) loadMeta(ctx context.Context, e *models.Escort) error {
	m, err := r.client.HGetAll(ctx, MetaKey(e.ID)).Result()
	if err != nil {
		return fmt.Errorf("hgetall %s: %w", e.ID, err)
	}
	e.Name = m["name"]
	e.Label = m["label"]
	e.ListeningAddr = m["listening_addr"]
	e.Online = m["online"] == "true"
	if v, ok := m["updated"]; ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			e.Updated = ts
		}
	}
	return nil
}

// MetaKey is the hash holding an escort's non-positional fields. The
// presence consumer writes the same layout.
func MetaKey(id string) string { return "escort:meta:" + id }

func MetaFields(name, label, listeningAddr string, online bool, updated time.Time) map[string]interface{} {
	return map[string]interface{}{
		"name":           name,
		"label":          label,
		"listening_addr": listeningAddr,
		"online":         strconv.FormatBool(online),
		"updated":        updated.UTC().Format(time.RFC3339),
	}
}
