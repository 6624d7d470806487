package cache

import (
	"strconv"
	"time"
)

// UserKey caches a resolved user by external identity.
func UserKey(telegramID string) string { return "user:" + telegramID }

// OverviewKey caches a user's dashboard overview.
func OverviewKey(userID int64) string { return "overview:" + strconv.FormatInt(userID, 10) }

// TradesPrefix matches every cached trade listing of a user.
func TradesPrefix(userID int64) string { return "trades:" + strconv.FormatInt(userID, 10) + ":" }

// TradesKey identifies one trade listing page.
func TradesKey(userID int64, cursor *time.Time, limit int, symbol string) string {
	c := "first"
	if cursor != nil {
		c = strconv.FormatInt(cursor.UnixMicro(), 10)
	}
	if symbol == "" {
		symbol = "-"
	}
	return TradesPrefix(userID) + c + ":" + strconv.Itoa(limit) + ":" + symbol
}
