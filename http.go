package authclient

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-router"
)

const (
	// DefaultReturnToCookie keeps the location a visitor was sent away from
	DefaultReturnToCookie = "return_to"
	returnToTTL           = 5 * time.Minute
)

// RouteGuard adapts Guard decisions to go-router handlers
type RouteGuard struct {
	source      StateSource
	guard       Guard
	cookieName  string
	retryAfter  time.Duration
	Logger      Logger
	DenyHandler func(c router.Context) error
	WaitHandler func(c router.Context) error
}

func NewRouteGuard(source StateSource, guard Guard) *RouteGuard {
	rg := &RouteGuard{
		source:     source,
		guard:      guard,
		cookieName: DefaultReturnToCookie,
		retryAfter: time.Second,
		Logger:     defLogger{},
	}
	rg.DenyHandler = rg.defaultDenyHandler
	rg.WaitHandler = rg.defaultWaitHandler
	return rg
}

// WithCookieName sets the name of the return location cookie
func (rg *RouteGuard) WithCookieName(name string) *RouteGuard {
	if name != "" {
		rg.cookieName = name
	}
	return rg
}

// Protect returns a middleware that only lets route through when the
// current session may render it.
func (rg *RouteGuard) Protect(route Route) router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			requested := c.OriginalURL()
			state := rg.source.State()
			decision := rg.guard.Evaluate(state, route, requested)

			switch decision.Action {
			case ActionRender:
				bindState(c, state)
				return c.Next()
			case ActionWait:
				return rg.WaitHandler(c)
			case ActionDeny:
				return rg.DenyHandler(c)
			}

			if decision.ReturnTo != "" {
				rg.SetReturnTo(c, decision.ReturnTo)
			}

			rg.Logger.Info("guard redirect",
				"path", requested,
				"location", decision.Location,
				"route", route.Pattern,
			)

			statusCode := http.StatusSeeOther
			if c.Method() == string(router.GET) {
				statusCode = http.StatusFound
			}
			return c.Redirect(decision.Location, statusCode)
		}
	}
}

// SetReturnTo stores the location to come back to after login
func (rg *RouteGuard) SetReturnTo(c router.Context, location string) {
	if !localPath(location) {
		return
	}

	c.Cookie(&router.Cookie{
		Name:     rg.cookieName,
		Value:    location,
		Expires:  time.Now().Add(returnToTTL),
		HTTPOnly: true,
		Secure:   true,
		SameSite: "Lax",
	})
}

// ReturnTo consumes the stored return location. def is returned when there
// is none.
func (rg *RouteGuard) ReturnTo(c router.Context, def string) string {
	r := c.Cookies(rg.cookieName)
	if r == "" {
		return def
	}
	rg.cookieDel(c)
	if !localPath(r) {
		return def
	}
	return r
}

func (rg *RouteGuard) cookieDel(c router.Context) {
	c.Cookie(&router.Cookie{
		Name:     rg.cookieName,
		Value:    "",
		Expires:  time.Now().Add(-time.Hour * (24 * 365)),
		HTTPOnly: true,
		Secure:   true,
		SameSite: "Lax",
	})
}

func (rg *RouteGuard) defaultWaitHandler(c router.Context) error {
	seconds := int(rg.retryAfter / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	c.SetHeader("Retry-After", strconv.Itoa(seconds))
	return c.Status(http.StatusServiceUnavailable).SendString("session is initializing")
}

func (rg *RouteGuard) defaultDenyHandler(c router.Context) error {
	return c.Status(http.StatusForbidden).SendString(http.StatusText(http.StatusForbidden))
}

// localPath rejects absolute and protocol relative URLs so the return
// location can not send users off site.
func localPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.Contains(p, "\\")
}
