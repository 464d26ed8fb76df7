package server

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/andresmejia3/veil/internal/log"
	"github.com/gofiber/fiber/v2"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const RequestIDKey = "X-Request-ID"

var errTooManyRequests = &Error{
	Status: fiber.StatusTooManyRequests,
	Code:   CodeRateLimited,
	Err:    errors.New("too many requests"),
}

// newRequestID returns a time-ordered ULID.
func newRequestID(t time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(t), ulid.Monotonic(rand.Reader, 0))
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// requestIDMiddleware keeps a client supplied X-Request-ID or assigns a new one.
func requestIDMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get(RequestIDKey)
		if requestID == "" {
			requestID, _ = newRequestID(time.Now())
		}

		c.Locals(RequestIDKey, requestID)
		c.Set(RequestIDKey, requestID)
		return c.Next()
	}
}

func requestID(c *fiber.Ctx) string {
	id, ok := c.Locals(RequestIDKey).(string)
	if !ok || id == "" {
		return "unknown"
	}
	return id
}

// accessLogMiddleware writes one structured line per request. Handler errors are
// rendered here so the logged status is the one the client sees.
func accessLogMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		if err := c.Next(); err != nil {
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		entry := logger.WithFields(log.Fields{
			"request_id":    requestID(c),
			"method":        c.Method(),
			"path":          c.Path(),
			"status":        status,
			"latency_ms":    time.Since(start).Milliseconds(),
			"ip":            c.IP(),
			"user_agent":    c.Get(fiber.HeaderUserAgent),
			"response_size": len(c.Response().Body()),
		})

		switch {
		case status >= 500:
			entry.Error("Server error")
		case status >= 400:
			entry.Warn("Client error")
		default:
			entry.Info("Success")
		}
		return nil
	}
}

// rateLimiter hands out one token bucket per client IP.
type rateLimiter struct {
	bucket    map[string]*rate.Limiter
	rate      rate.Limit
	burstSize int
	mutex     sync.Mutex
}

func newRateLimiter(reqRate rate.Limit, burstSize int) *rateLimiter {
	return &rateLimiter{
		bucket:    make(map[string]*rate.Limiter),
		rate:      reqRate,
		burstSize: burstSize,
	}
}

func (r *rateLimiter) limiterFor(ip string) *rate.Limiter {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	l, ok := r.bucket[ip]
	if !ok {
		l = rate.NewLimiter(r.rate, r.burstSize)
		r.bucket[ip] = l
	}
	return l
}

func (r *rateLimiter) middleware(logger *logrus.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ip := c.IP()
		if !r.limiterFor(ip).Allow() {
			logger.WithField("ip", ip).Warn("too many requests")
			return errTooManyRequests
		}
		return c.Next()
	}
}
