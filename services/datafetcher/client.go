package datafetcher

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"twse-screener/services/throttle"
)

var browserUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36 Edg/122.0.0.0",
}

// DisguisedClient wraps an HTTP client with a shared request throttle,
// randomized pacing between requests and periodic user-agent rotation so
// sustained polling looks like ordinary browser traffic.
type DisguisedClient struct {
	http     *http.Client
	throttle *throttle.Throttle

	minDelay time.Duration
	maxDelay time.Duration

	mu           sync.Mutex
	rng          *rand.Rand
	userAgent    string
	requestCount int
	rotateAfter  int
}

// NewDisguisedClient builds a client that acquires a throttle slot and
// sleeps a random delay in [minDelay, maxDelay] before every request.
func NewDisguisedClient(th *throttle.Throttle, minDelay, maxDelay time.Duration) *DisguisedClient {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	c := &DisguisedClient{
		http:     &http.Client{Timeout: 15 * time.Second},
		throttle: th,
		minDelay: minDelay,
		maxDelay: maxDelay,
		rng:      rng,
	}
	c.rotate()
	return c
}

// GetJSON performs a throttled, paced GET and decodes the JSON body into
// out. Non-2xx responses become errors carrying the status code so
// callers can recognize throttle pushback.
func (c *DisguisedClient) GetJSON(url string, out interface{}) error {
	body, err := c.get(url, "application/json")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}

func (c *DisguisedClient) get(url, accept string) ([]byte, error) {
	if c.throttle != nil {
		c.throttle.Acquire(0)
	}
	c.pace()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.currentUserAgent())
	req.Header.Set("Accept", accept)
	req.Header.Set("Accept-Language", "zh-TW,zh;q=0.9,en;q=0.8")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("request %s: status 429 too many requests", url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request %s: unexpected status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", url, err)
	}
	return body, nil
}

// pace sleeps a random interval and rotates the user-agent after a
// randomized number of requests.
func (c *DisguisedClient) pace() {
	c.mu.Lock()
	span := c.maxDelay - c.minDelay
	delay := c.minDelay
	if span > 0 {
		delay += time.Duration(c.rng.Int63n(int64(span)))
	}
	c.requestCount++
	if c.requestCount >= c.rotateAfter {
		c.rotate()
	}
	c.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
}

// rotate picks a fresh user-agent. Caller holds c.mu except during New.
func (c *DisguisedClient) rotate() {
	c.userAgent = browserUserAgents[c.rng.Intn(len(browserUserAgents))]
	c.rotateAfter = 7 + c.rng.Intn(6)
	c.requestCount = 0
}

func (c *DisguisedClient) currentUserAgent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userAgent
}

// IsThrottled reports whether err looks like upstream rate-limit
// pushback rather than a hard failure.
func IsThrottled(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many") ||
		strings.Contains(msg, "rate limit")
}

// backoffDelay returns base * factor^attempt capped at one minute.
func backoffDelay(base time.Duration, factor float64, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(factor, float64(attempt)))
	if d > time.Minute {
		d = time.Minute
	}
	return d
}
