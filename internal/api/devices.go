package api

import (
	"context"
	nethttp "net/http"
	"net/url"

	"github.com/hearthlink/hearthlink/internal/apierr"
	"github.com/hearthlink/hearthlink/internal/models"
	"github.com/hearthlink/hearthlink/internal/ratelimit"
	"github.com/hearthlink/hearthlink/internal/state"
)

// Cache keys. Status keys are per device so a write invalidates only the
// affected device.
const devicesKey = "devices"

func statusKey(id string) string { return "status:" + id }

func devicePath(id, suffix string) string {
	return "/v1/devices/" + url.PathEscape(id) + "/" + suffix
}

// Login forces a new login and returns when the token is stored.
func (c *Client) Login(ctx context.Context) error {
	_, err := c.tokens.Refresh(ctx)
	return err
}

// GetDevices lists the account's devices.
func (c *Client) GetDevices(ctx context.Context) ([]models.Device, error) {
	v, err := c.read(ctx, "getDevices", devicesKey, "", func(ctx context.Context) (any, error) {
		var list models.DeviceList
		if err := c.call(ctx, "getDevices", nethttp.MethodGet, "/v1/devices", "", nil, &list); err != nil {
			return nil, err
		}
		return list.Devices, nil
	})
	if err != nil {
		return nil, err
	}
	devices := v.([]models.Device)
	out := make([]models.Device, len(devices))
	copy(out, devices)
	return out, nil
}

// GetDeviceStatus reads one device's current state.
func (c *Client) GetDeviceStatus(ctx context.Context, deviceID string) (models.DeviceStatus, error) {
	id, err := normalizeDeviceID("getDeviceStatus", deviceID)
	if err != nil {
		return models.DeviceStatus{}, err
	}
	v, err := c.read(ctx, "getDeviceStatus", statusKey(id), id, func(ctx context.Context) (any, error) {
		var st models.DeviceStatus
		if err := c.call(ctx, "getDeviceStatus", nethttp.MethodGet, devicePath(id, "status"), id, nil, &st); err != nil {
			return nil, err
		}
		if st.ID == "" {
			st.ID = models.DeviceID(id)
		}
		return st, nil
	})
	if err != nil {
		return models.DeviceStatus{}, err
	}
	return v.(models.DeviceStatus), nil
}

// SetPower switches a device on or off.
func (c *Client) SetPower(ctx context.Context, deviceID string, on bool) error {
	id, err := normalizeDeviceID("setPower", deviceID)
	if err != nil {
		return err
	}
	power := models.PowerFromBool(on)
	return c.write(ctx, "setPower", id, devicePath(id, "power"),
		models.PowerRequest{Power: power},
		map[string]any{"power": string(power)})
}

// SetBrightness sets a device's brightness in percent (0-100).
func (c *Client) SetBrightness(ctx context.Context, deviceID string, percent int) error {
	id, err := normalizeDeviceID("setBrightness", deviceID)
	if err != nil {
		return err
	}
	if percent < 0 || percent > 100 {
		return apierr.Validation("setBrightness", id, "brightness must be between 0 and 100, got %d", percent)
	}
	return c.write(ctx, "setBrightness", id, devicePath(id, "brightness"),
		models.BrightnessRequest{Brightness: percent},
		map[string]any{"brightness": percent})
}

func normalizeDeviceID(op, raw string) (string, error) {
	id, err := models.NormalizeID(raw)
	if err != nil {
		return "", apierr.Validation(op, raw, "invalid device id: %v", err)
	}
	return id, nil
}

// read serves key from the cache, otherwise joins or starts one guarded
// fetch shared by every concurrent caller for the same key.
func (c *Client) read(ctx context.Context, op, key, deviceID string, fetch func(ctx context.Context) (any, error)) (any, error) {
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	return c.fetchShared(ctx, op, key, deviceID, fetch)
}

// fetchShared runs fetch once for all concurrent callers of key. A result
// fetched across a write is returned but neither cached nor recorded.
func (c *Client) fetchShared(ctx context.Context, op, key, deviceID string, fetch func(ctx context.Context) (any, error)) (any, error) {
	return c.dedupe.Do(ctx, key, func(ctx context.Context) (any, error) {
		// The previous execution may have filled the key after our miss.
		if v, ok := c.cache.Peek(key); ok {
			return v, nil
		}
		epoch := c.writeEpoch.Load()
		var v any
		err := c.guard(ctx, op, deviceID, c.readPolicy, nil, func(ctx context.Context) error {
			var ferr error
			v, ferr = fetch(ctx)
			return ferr
		})
		if err != nil {
			return nil, err
		}
		if c.writeEpoch.Load() != epoch {
			return v, nil
		}
		c.cache.Set(key, v)
		c.observeRead(v)
		return v, nil
	})
}

// write sends a device command through the write limiter, then drops every
// cached read the command may have changed.
func (c *Client) write(ctx context.Context, op, deviceID, path string, body any, attrs map[string]any) error {
	limiter := c.limiters[c.registry.ResolveScope(nethttp.MethodPut, path)]
	if limiter == nil {
		limiter = c.limiters[ratelimit.ScopeWrite]
	}

	err := c.guard(ctx, op, deviceID, c.writePolicy, limiter, func(ctx context.Context) error {
		return c.call(ctx, op, nethttp.MethodPut, path, deviceID, body, nil)
	})
	if err != nil {
		return err
	}

	c.writeEpoch.Add(1)
	c.cache.Delete(statusKey(deviceID))
	c.cache.Delete(devicesKey)
	c.dedupe.Forget(statusKey(deviceID))
	c.dedupe.Forget(devicesKey)

	c.observe(deviceID, attrs, "write")
	c.saveState()
	return nil
}

// observeRead records freshly fetched device data.
func (c *Client) observeRead(v any) {
	switch t := v.(type) {
	case []models.Device:
		ids := make([]string, 0, len(t))
		for _, d := range t {
			ids = append(ids, d.ID.String())
			c.observe(d.ID.String(), d.Attributes(), "poll")
		}
		c.setKnownDevices(ids)
	case models.DeviceStatus:
		c.observe(t.ID.String(), t.Attributes(), "poll")
	}
	c.saveState()
}

// Snapshot returns the persisted device view, including entries loaded from
// disk at startup. Empty without a store.
func (c *Client) Snapshot() map[string]state.Snapshot {
	if c.store == nil {
		return map[string]state.Snapshot{}
	}
	return c.store.All()
}

func (c *Client) saveState() {
	if c.store == nil {
		return
	}
	if err := c.store.Save(); err != nil {
		c.logger.Warnf("Could not save device state: %v", err)
	}
}
