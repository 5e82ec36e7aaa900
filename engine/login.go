package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/use-agent/portalscrape/browser"
	"github.com/use-agent/portalscrape/models"
)

const (
	loginPath     = "/portal/login/"
	usernameField = "#LoginUsername"
	passwordField = "#LoginPassword"
	submitButton  = `input[type="submit"][value="Log In"]`
)

// portalLogin opens the login page, submits credentials when the form is
// shown and waits for marker. A missing form means the session is already
// authenticated.
func portalLogin(ctx context.Context, s *browser.Session, p Portal, marker string, markerWait time.Duration) error {
	if p.Username == "" || p.Password == "" {
		return models.NewExtractError(models.ErrCodeValidation, "missing portal credentials", nil)
	}

	if err := s.Navigate(ctx, p.URL(loginPath), p.NavigationTimeout); err != nil {
		return err
	}

	present, err := s.Exists(ctx, usernameField, p.LoginTimeout)
	if err != nil {
		return err
	}
	if present {
		s.Logger().Debug("logging in", "url", p.URL(loginPath))
		if err := fillField(ctx, s, usernameField, p.Username); err != nil {
			return err
		}
		if err := fillField(ctx, s, passwordField, p.Password); err != nil {
			return err
		}
		submit, err := s.Find(ctx, submitButton, nil, 0)
		if err != nil {
			return err
		}
		if err := s.Follow(ctx, submit, p.NavigationTimeout); err != nil {
			return err
		}
	} else {
		s.Logger().Debug("login form absent, reusing session")
	}

	if _, err := s.Find(ctx, marker, nil, markerWait); err != nil {
		if models.IsCode(err, models.ErrCodeElementNotFound) {
			return models.NewExtractError(models.ErrCodeTimeout,
				fmt.Sprintf("login did not complete: %s not shown within %s", marker, markerWait), err)
		}
		return err
	}
	return nil
}

func fillField(ctx context.Context, s *browser.Session, selector, value string) error {
	h, err := s.Find(ctx, selector, nil, 0)
	if err != nil {
		return err
	}
	return s.Fill(ctx, h, value)
}
