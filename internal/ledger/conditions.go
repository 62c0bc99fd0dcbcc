package ledger

import (
	"net/netip"
	"strings"
	"time"

	"docflow/api/internal/apperr"
	"docflow/api/internal/rbac"
	"docflow/api/internal/store"
)

const minutesPerDay = 24 * 60

func validateConditions(c *store.Conditions) error {
	if c.Empty() {
		return nil
	}
	for _, entry := range c.IPAllowList {
		if _, err := parseIPEntry(entry); err != nil {
			return apperr.Newf(apperr.ErrValidation, "invalid ip allow-list entry %q", entry)
		}
	}
	if w := c.TimeWindow; w != nil {
		if w.StartMinute < 0 || w.StartMinute >= minutesPerDay || w.EndMinute < 0 || w.EndMinute >= minutesPerDay {
			return apperr.New(apperr.ErrValidation, "time window minutes must be within 0..1439")
		}
		for _, day := range w.Days {
			if day < time.Sunday || day > time.Saturday {
				return apperr.Newf(apperr.ErrValidation, "invalid weekday %d", day)
			}
		}
		if _, err := loadLocation(w.Location); err != nil {
			return apperr.Newf(apperr.ErrValidation, "unknown time zone %q", w.Location)
		}
	}
	for _, device := range c.Devices {
		if strings.TrimSpace(device) == "" {
			return apperr.New(apperr.ErrValidation, "device ids must not be blank")
		}
	}
	return nil
}

// conditionsMatch reports whether every condition present on the grant is
// satisfied by rc. A condition whose context field is missing fails.
func conditionsMatch(c *store.Conditions, rc rbac.Context) bool {
	if c.Empty() {
		return true
	}
	if len(c.IPAllowList) > 0 && !ipAllowed(c.IPAllowList, rc.IP) {
		return false
	}
	if c.TimeWindow != nil && !inWindow(*c.TimeWindow, rc.Time) {
		return false
	}
	if len(c.Devices) > 0 && !deviceAllowed(c.Devices, rc.Device) {
		return false
	}
	return true
}

type ipEntry struct {
	prefix netip.Prefix
	addr   netip.Addr
	isNet  bool
}

func parseIPEntry(entry string) (ipEntry, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return ipEntry{}, err
		}
		return ipEntry{prefix: prefix.Masked(), isNet: true}, nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return ipEntry{}, err
	}
	return ipEntry{addr: addr.Unmap()}, nil
}

func ipAllowed(allowList []string, raw string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, item := range allowList {
		entry, err := parseIPEntry(item)
		if err != nil {
			continue
		}
		if entry.isNet && entry.prefix.Contains(addr) {
			return true
		}
		if !entry.isNet && entry.addr == addr {
			return true
		}
	}
	return false
}

// inWindow treats the window as [start, end) minutes in its location. When
// end < start the window wraps past midnight; start == end covers the whole day.
func inWindow(w store.TimeWindow, at time.Time) bool {
	if at.IsZero() {
		return false
	}
	loc, err := loadLocation(w.Location)
	if err != nil {
		return false
	}
	local := at.In(loc)
	if len(w.Days) > 0 && !containsDay(w.Days, local.Weekday()) {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	switch {
	case w.StartMinute == w.EndMinute:
		return true
	case w.StartMinute < w.EndMinute:
		return minute >= w.StartMinute && minute < w.EndMinute
	default:
		return minute >= w.StartMinute || minute < w.EndMinute
	}
}

func containsDay(days []time.Weekday, day time.Weekday) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}

func deviceAllowed(devices []string, device string) bool {
	device = strings.TrimSpace(device)
	if device == "" {
		return false
	}
	for _, allowed := range devices {
		if allowed == device {
			return true
		}
	}
	return false
}

func loadLocation(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}
