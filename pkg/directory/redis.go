package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/newtron-network/newtexec/pkg/util"
)

// Redis key layout, following the CONFIG_DB "TABLE|key" convention:
//
//	DEVICE|<id>           hash: ip_address, device_type, groups (comma-separated)
//	DEVICE_PROPERTY|<id>  hash: one field per property
const (
	deviceTable   = "DEVICE"
	propertyTable = "DEVICE_PROPERTY"
	keySeparator  = "|"
)

// RedisDirectory is a Directory stored in a Redis database.
type RedisDirectory struct {
	client *redis.Client
}

// NewRedisDirectory connects to the Redis instance at addr, database db.
func NewRedisDirectory(addr string, db int) *RedisDirectory {
	return &RedisDirectory{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
	}
}

// Ping verifies the connection.
func (d *RedisDirectory) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (d *RedisDirectory) Close() error {
	return d.client.Close()
}

// AddDevice writes the DEVICE entry for dev.
func (d *RedisDirectory) AddDevice(ctx context.Context, dev Device) error {
	if dev.ID == "" {
		return fmt.Errorf("%w: device id is required", util.ErrInvalidConfig)
	}
	fields := map[string]interface{}{
		"ip_address":  dev.IPAddress,
		"device_type": dev.DeviceType,
		"groups":      strings.Join(dev.Groups, ","),
	}
	return d.client.HSet(ctx, deviceKey(dev.ID), fields).Err()
}

func (d *RedisDirectory) Device(ctx context.Context, id string) (*Device, error) {
	vals, err := d.client.HGetAll(ctx, deviceKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading device %q: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("device %q: %w", id, util.ErrNotFound)
	}
	return parseDevice(id, vals), nil
}

func (d *RedisDirectory) Devices(ctx context.Context) ([]*Device, error) {
	var keys []string
	iter := d.client.Scan(ctx, 0, deviceTable+keySeparator+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning devices: %w", err)
	}

	devices := make([]*Device, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, deviceTable+keySeparator)
		vals, err := d.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("reading device %q: %w", id, err)
		}
		if len(vals) == 0 {
			continue
		}
		devices = append(devices, parseDevice(id, vals))
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func (d *RedisDirectory) GetProperty(ctx context.Context, id, key string) (string, bool, error) {
	if err := d.requireDevice(ctx, id); err != nil {
		return "", false, err
	}
	v, err := d.client.HGet(ctx, propertyKey(id), key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading property %s of %q: %w", key, id, err)
	}
	return v, true, nil
}

func (d *RedisDirectory) SetProperty(ctx context.Context, id, key, value string) error {
	if err := d.requireDevice(ctx, id); err != nil {
		return err
	}
	return d.client.HSet(ctx, propertyKey(id), key, value).Err()
}

func (d *RedisDirectory) DeleteProperty(ctx context.Context, id, key string) error {
	if err := d.requireDevice(ctx, id); err != nil {
		return err
	}
	return d.client.HDel(ctx, propertyKey(id), key).Err()
}

func (d *RedisDirectory) requireDevice(ctx context.Context, id string) error {
	n, err := d.client.Exists(ctx, deviceKey(id)).Result()
	if err != nil {
		return fmt.Errorf("checking device %q: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("device %q: %w", id, util.ErrNotFound)
	}
	return nil
}

func parseDevice(id string, vals map[string]string) *Device {
	return &Device{
		ID:         id,
		IPAddress:  vals["ip_address"],
		DeviceType: vals["device_type"],
		Groups:     util.SplitCommaSeparated(vals["groups"]),
	}
}

func deviceKey(id string) string   { return deviceTable + keySeparator + id }
func propertyKey(id string) string { return propertyTable + keySeparator + id }
