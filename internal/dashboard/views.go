package dashboard

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/mbd888/riskwatch/internal/activity"
	"github.com/mbd888/riskwatch/internal/risk"
)

// Overview is the landing-page aggregate.
type Overview struct {
	TotalAlerts          int                       `json:"total_alerts"`
	TotalEvents          int                       `json:"total_events"`
	SeverityDistribution map[activity.Severity]int `json:"severity_distribution"`
	TopUsers             []TopUser                 `json:"top_users"`
	Sparkline            []SparkPoint              `json:"sparkline"`
}

// TopUser is one row of the riskiest-users list.
type TopUser struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Role        string  `json:"role"`
	CurrentRisk float64 `json:"current_risk"`
}

// SparkPoint is one day of the risk sparkline.
type SparkPoint struct {
	Date      string  `json:"date"`
	AvgRisk   float64 `json:"avg_risk"`
	HighCount int     `json:"high_count"`
}

// Sparkline groups hourly buckets by UTC day. AvgRisk is the mean of the
// buckets' peak risk.
func Sparkline(buckets []*risk.Bucket) []SparkPoint {
	type day struct {
		risks []float64
		high  int
	}
	days := map[string]*day{}
	for _, b := range buckets {
		key := b.Hour.UTC().Format(time.DateOnly)
		d, ok := days[key]
		if !ok {
			d = &day{}
			days[key] = d
		}
		d.risks = append(d.risks, b.MaxRisk)
		d.high += b.High
	}

	out := make([]SparkPoint, 0, len(days))
	for date, d := range days {
		avg, err := stats.Mean(d.risks)
		if err != nil {
			avg = 0
		}
		out = append(out, SparkPoint{Date: date, AvgRisk: avg, HighCount: d.high})
	}
	slices.SortFunc(out, func(a, b SparkPoint) int { return strings.Compare(a.Date, b.Date) })
	return out
}

// Distribution fills in zero counts for every severity.
func Distribution(counts map[activity.Severity]int) map[activity.Severity]int {
	out := map[activity.Severity]int{
		activity.SeverityLow:    0,
		activity.SeverityMedium: 0,
		activity.SeverityHigh:   0,
	}
	for s, n := range counts {
		out[s] += n
	}
	return out
}

// UserCard is the list view of a user.
type UserCard struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Avatar      string     `json:"avatar"`
	RiskScore   int        `json:"riskScore"`
	JobTitle    string     `json:"jobTitle"`
	Department  string     `json:"department"`
	Status      string     `json:"status"`
	Role        string     `json:"role"`
	CurrentRisk float64    `json:"current_risk"`
	LastSeen    *time.Time `json:"last_seen"`
}

// CardFor renders u as a card. RiskScore is current_risk as a whole
// percentage.
func CardFor(u *activity.User) UserCard {
	pct := RiskPercent(u.CurrentRisk)
	role := u.Role
	if role == "" {
		role = "Employee"
	}
	department := u.Role
	if department == "" {
		department = "General"
	}
	name := u.DisplayName()
	return UserCard{
		ID:          u.ID,
		Name:        name,
		Avatar:      Initials(name),
		RiskScore:   pct,
		JobTitle:    role,
		Department:  department,
		Status:      RiskStatus(pct),
		Role:        role,
		CurrentRisk: u.CurrentRisk,
		LastSeen:    u.LastSeen,
	}
}

// RiskPercent rounds a [0,1] risk to a percentage.
func RiskPercent(r float64) int {
	return int(math.Round(r * 100))
}

// RiskStatus buckets a risk percentage: >=70 high, >=40 medium, else low.
func RiskStatus(pct int) string {
	switch {
	case pct >= 70:
		return "high"
	case pct >= 40:
		return "medium"
	}
	return "low"
}

// Initials takes the first letter of up to two words, upper-cased.
func Initials(name string) string {
	var out []rune
	for _, w := range strings.Fields(name) {
		out = append(out, []rune(w)[0])
		if len(out) == 2 {
			break
		}
	}
	return strings.ToUpper(string(out))
}

// FeedItem is one row of the alert feed.
type FeedItem struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	User        string    `json:"user"`
	AnomalyType string    `json:"anomalyType"`
	Status      string    `json:"status"`
}

// FeedStatus maps severity to the feed's triage tag.
func FeedStatus(s activity.Severity) string {
	switch s {
	case activity.SeverityHigh:
		return "escalated"
	case activity.SeverityMedium:
		return "pending"
	}
	return "resolved"
}

// Feed renders alerts with user display names where known.
func Feed(alerts []*risk.Alert, users map[string]*activity.User) []FeedItem {
	out := make([]FeedItem, 0, len(alerts))
	for _, a := range alerts {
		name := a.UserID
		if u, ok := users[a.UserID]; ok {
			name = u.DisplayName()
		}
		out = append(out, FeedItem{
			ID:          a.ID,
			Timestamp:   a.CreatedAt,
			User:        name,
			AnomalyType: a.AnomalyType,
			Status:      FeedStatus(a.Severity),
		})
	}
	return out
}
