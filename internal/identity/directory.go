package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const UnknownUser = "Unknown User"

type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

type redisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(addr, prefix string) Cache {
	return &redisCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
	}
}

func (c *redisCache) Get(ctx context.Context, key string) (string, error) {
	value, err := c.client.Get(ctx, c.prefix+key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (c *redisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

// Directory resolves display names for user ids through the identity
// provider's user API.
type Directory struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
	cache      Cache
	ttl        time.Duration
	logger     *logrus.Logger
}

// NewDirectory builds a Directory. cache may be nil.
func NewDirectory(baseURL, secretKey string, cache Cache, ttl time.Duration, logger *logrus.Logger) *Directory {
	return &Directory{
		baseURL:   baseURL,
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		cache:  cache,
		ttl:    ttl,
		logger: logger,
	}
}

type directoryUser struct {
	Username       *string `json:"username"`
	FirstName      *string `json:"first_name"`
	EmailAddresses []struct {
		EmailAddress string `json:"email_address"`
	} `json:"email_addresses"`
}

func (u directoryUser) displayName() string {
	if u.Username != nil && *u.Username != "" {
		return *u.Username
	}
	if u.FirstName != nil && *u.FirstName != "" {
		return *u.FirstName
	}
	if len(u.EmailAddresses) > 0 && u.EmailAddresses[0].EmailAddress != "" {
		return u.EmailAddresses[0].EmailAddress
	}
	return UnknownUser
}

// DisplayNames maps every id to a name; lookups that fail map to UnknownUser.
func (d *Directory) DisplayNames(ctx context.Context, userIDs []string) map[string]string {
	unique := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		unique[id] = true
	}

	names := make(map[string]string, len(unique))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for id := range unique {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			name := d.displayName(ctx, id)
			mu.Lock()
			names[id] = name
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	return names
}

func (d *Directory) displayName(ctx context.Context, userID string) string {
	if d.cache != nil {
		if cached, err := d.cache.Get(ctx, userID); err != nil {
			d.logger.WithError(err).Warn("Directory cache read failed")
		} else if cached != "" {
			return cached
		}
	}

	user, err := d.fetchUser(ctx, userID)
	if err != nil {
		d.logger.WithError(err).WithField("user_id", userID).Error("Failed to fetch user")
		return UnknownUser
	}

	name := user.displayName()
	if d.cache != nil && name != UnknownUser {
		if err := d.cache.Set(ctx, userID, name, d.ttl); err != nil {
			d.logger.WithError(err).Warn("Directory cache write failed")
		}
	}
	return name
}

func (d *Directory) fetchUser(ctx context.Context, userID string) (*directoryUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/users/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.secretKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to user directory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user directory returned error status: %d", resp.StatusCode)
	}

	var user directoryUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode user directory response: %w", err)
	}
	return &user, nil
}
