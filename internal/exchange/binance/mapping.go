package binance

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"grid_engine/internal/core"
	apperrors "grid_engine/pkg/errors"
	enginehttp "grid_engine/pkg/http"
)

// parseVenueError maps a venue error payload onto the error taxonomy. The
// numeric code is authoritative; the message is carried for diagnostics only.
func parseVenueError(statusCode int, body []byte) error {
	if statusCode == http.StatusUnavailableForLegalReasons {
		return apperrors.ErrRegionBlocked
	}

	var errResp struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("venue error (unmarshal failed, status %d): %s", statusCode, string(body))
	}

	switch errResp.Code {
	case -1003:
		return apperrors.ErrRateLimitExceeded
	case -1013:
		return fmt.Errorf("%w: %s", apperrors.ErrMinNotional, errResp.Msg)
	case -1021:
		return apperrors.ErrTimestampSkew
	case -1100, -1102, -1104:
		return fmt.Errorf("%w: %s", apperrors.ErrValidation, errResp.Msg)
	case -1111:
		return fmt.Errorf("%w: %s", apperrors.ErrPriceFilter, errResp.Msg)
	case -1121:
		return apperrors.ErrSymbolUnknown
	case -2010:
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, errResp.Msg)
	case -2011:
		return apperrors.ErrOrderNotFound
	case -2013:
		return apperrors.ErrOrderNotFound
	case -2015:
		return apperrors.ErrAuthenticationFailed
	}

	if statusCode >= 500 {
		return fmt.Errorf("%w: venue error %d: %s", apperrors.ErrVenueUnavailable, errResp.Code, errResp.Msg)
	}
	return fmt.Errorf("venue error %d: %s", errResp.Code, errResp.Msg)
}

// mapAPIError unwraps the HTTP client's error type into a taxonomy error.
func mapAPIError(err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := asAPIError(err); ok {
		return parseVenueError(apiErr.StatusCode, apiErr.Body)
	}
	return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
}

func asAPIError(err error) (*enginehttp.APIError, bool) {
	var apiErr *enginehttp.APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}

// mapOrderStatus converts a venue order status string.
func mapOrderStatus(s string) core.OrderStatus {
	switch s {
	case "NEW":
		return core.OrderStatusNew
	case "PARTIALLY_FILLED":
		return core.OrderStatusPartiallyFilled
	case "FILLED":
		return core.OrderStatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return core.OrderStatusCanceled
	case "REJECTED":
		return core.OrderStatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return core.OrderStatusExpired
	}
	return core.OrderStatus(s)
}

// mapOrderSide converts a venue order side string.
func mapOrderSide(s string) core.OrderSide {
	if s == "SELL" {
		return core.OrderSideSell
	}
	return core.OrderSideBuy
}
