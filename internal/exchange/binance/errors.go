package binance

import (
	"errors"
	"strconv"
	"strings"

	"gridtrader/internal/core"
)

type APIError struct {
	Code int
	Msg  string
}

func (e APIError) Error() string {
	return "binance api error " + strconv.Itoa(e.Code) + ": " + e.Msg
}

const (
	apiCodeTooManyRequests     = -1003
	apiCodeTimestampOutside    = -1021
	apiCodeInvalidSignature    = -1022
	apiCodeBadAPIKeyFormat     = -2014
	apiCodeRejectedAPIKey      = -2015
	apiCodeNewOrderRejected    = -2010
	apiCodeCancelRejected      = -2011
	apiCodeOrderNotFound       = -2013
	apiCodeBalanceInsufficient = -2018
	apiCodeMarginInsufficient  = -2019
	apiCodeMinNotional         = -4164
	apiCodeNoNeedChangeMargin  = -4046
)

// classify wraps an API error together with its taxonomy sentinel using
// errors.Join, so callers keep both the raw code and the kind.
func classify(apiErr APIError) error {
	kinds := kindsFor(apiErr)
	if len(kinds) == 0 {
		return apiErr
	}
	chain := make([]error, 0, 1+len(kinds))
	chain = append(chain, apiErr)
	chain = append(chain, kinds...)
	return errors.Join(chain...)
}

func kindsFor(apiErr APIError) []error {
	msg := strings.ToLower(strings.TrimSpace(apiErr.Msg))
	var kinds []error
	add := func(kind error) {
		for _, k := range kinds {
			if k == kind {
				return
			}
		}
		kinds = append(kinds, kind)
	}

	switch apiErr.Code {
	case apiCodeTooManyRequests:
		add(core.ErrRateLimited)
	case apiCodeTimestampOutside:
		add(core.ErrTransient)
	case apiCodeInvalidSignature, apiCodeBadAPIKeyFormat, apiCodeRejectedAPIKey:
		add(core.ErrFatalAuth)
	case apiCodeOrderNotFound, apiCodeCancelRejected:
		add(core.ErrOrderNotFound)
	case apiCodeBalanceInsufficient, apiCodeMarginInsufficient:
		add(core.ErrInsufficientMargin)
		add(core.ErrOrderRejected)
	case apiCodeMinNotional:
		add(core.ErrOrderRejected)
	case apiCodeNewOrderRejected:
		switch {
		case strings.Contains(msg, "duplicate"):
			add(core.ErrDuplicateOrder)
		case strings.Contains(msg, "insufficient"):
			add(core.ErrInsufficientMargin)
			add(core.ErrOrderRejected)
		default:
			add(core.ErrOrderRejected)
		}
	}
	return kinds
}

// classifyHTTP maps transport-level failures that never reached a parseable
// API payload.
func classifyHTTP(status int, body string) error {
	raw := errors.New("binance http error " + strconv.Itoa(status) + ": " + strings.TrimSpace(body))
	switch {
	case status == 401 || status == 403:
		return errors.Join(raw, core.ErrFatalAuth)
	case status == 418 || status == 429:
		return errors.Join(raw, core.ErrRateLimited)
	case status >= 500:
		return errors.Join(raw, core.ErrTransient)
	}
	return raw
}

func AsAPIError(err error) (APIError, bool) {
	var apiErr APIError
	if err == nil || !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}
