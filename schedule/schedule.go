// Package schedule decides which frequency channels are due for a run.
package schedule

import (
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"forum-notifier/pkg/notifier"
)

// channels is the fixed set of notification frequencies. The "test" channel
// has no crontab and only activates when forced from the command line.
var channels = []notifier.Channel{
	{Name: "hourly", Crontab: "0 * * * *"},
	{Name: "8hourly", Crontab: "0 */8 * * *"},
	{Name: "daily", Crontab: "0 0 * * *"},
	{Name: "weekly", Crontab: "0 0 * * 0"},
	{Name: "monthly", Crontab: "0 0 1 * *"},
	{Name: "test", Crontab: ""},
}

// Channels returns all known frequency channels.
func Channels() []notifier.Channel {
	out := make([]notifier.Channel, len(channels))
	copy(out, channels)
	return out
}

// ByName looks up a channel by its frequency name.
func ByName(name string) (notifier.Channel, bool) {
	for _, ch := range channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return notifier.Channel{}, false
}

// IsDue reports whether now is an activation instant for the channel. The
// check has minute granularity, matching the hourly run cadence.
func IsDue(ch notifier.Channel, now time.Time) bool {
	if ch.Crontab == "" {
		return false
	}
	due, err := gronx.New().IsDue(ch.Crontab, now)
	if err != nil {
		// Channel crontabs are fixed at compile time, so this is a
		// programming error, not an operational one.
		panic("schedule: invalid crontab for channel " + ch.Name + ": " + err.Error())
	}
	return due
}

// WillBeNext reports whether the channel activates on the next run, one
// hour from now. The orchestrator uses this to piggyback low-frequency
// maintenance onto the run preceding a weekly or monthly activation.
func WillBeNext(ch notifier.Channel, now time.Time) bool {
	return IsDue(ch, now.Add(time.Hour))
}

// Select returns the channels to activate for a run at the given time. A
// non-empty forced list overrides the time check; names in it that match no
// known channel are dropped, not rejected, so a typo costs one channel
// rather than the whole run.
func Select(logger *slog.Logger, now time.Time, forced []string) []notifier.Channel {
	if len(forced) > 0 {
		var active []notifier.Channel
		for _, name := range forced {
			ch, ok := ByName(name)
			if !ok {
				logger.Warn("Ignoring unknown forced channel", "channel", name)
				continue
			}
			active = append(active, ch)
		}
		logger.Info("Activating channels chosen manually", "count", len(active), "channels", names(active))
		return active
	}

	var active []notifier.Channel
	for _, ch := range channels {
		if IsDue(ch, now) {
			active = append(active, ch)
		}
	}
	logger.Info("Activating channels based on current timestamp", "count", len(active), "channels", names(active))
	return active
}

func names(chs []notifier.Channel) []string {
	out := make([]string, len(chs))
	for i, ch := range chs {
		out[i] = ch.Name
	}
	return out
}
