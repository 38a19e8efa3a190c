// Package features turns a user's trailing activity window into the symbolic
// action sequence and the fixed numeric feature vector the risk oracle scores.
//
// Everything here is pure: the same window always yields the same output.
package features

import (
	"slices"
	"strings"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/mbd888/riskwatch/internal/activity"
)

const (
	// WindowSpan is the trailing span aggregated for each event.
	WindowSpan = 24 * time.Hour
	// SequenceLength caps the number of tokens in a Sequence.
	SequenceLength = 15
	// LargeUploadBytes is the bytes_out above which a flow counts as a large upload.
	LargeUploadBytes = 500_000

	privatePrefix  = "192.168."
	internalDomain = "company.local"
)

var (
	// SensitiveKeywords mark file paths as sensitive (case-sensitive substring).
	SensitiveKeywords = []string{"payroll", "compensation", "employee_records", "salary", "strategic", "source_code"}
	// SuspiciousDomains mark visited URLs as ad/tracker traffic.
	SuspiciousDomains = []string{"analytics-tracker", "ad-serve", "metrics-collector", "cdn-content-delivery"}

	scriptingTools  = []string{"powershell", "cmd"}
	lateralProtocol = []string{"RDP", "SMB"}
)

// Window returns the events with at-WindowSpan <= ts <= at, oldest first.
// The input slice is not modified.
func Window(events []*activity.Event, at time.Time) []*activity.Event {
	from := at.Add(-WindowSpan)
	out := make([]*activity.Event, 0, len(events))
	for _, ev := range events {
		if ev.Timestamp.Before(from) || ev.Timestamp.After(at) {
			continue
		}
		out = append(out, ev)
	}
	slices.SortStableFunc(out, func(a, b *activity.Event) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out
}

// Extract derives the sequence and feature vector from an ordered window.
func Extract(window []*activity.Event) (Sequence, Vector) {
	return BuildSequence(window), Aggregate(window)
}

// IsSensitivePath reports whether resource names a sensitive location.
func IsSensitivePath(resource string) bool {
	return containsAny(resource, SensitiveKeywords)
}

// IsNewDevice reports whether device is set and absent from known.
func IsNewDevice(device string, known []string) bool {
	return device != "" && !slices.Contains(known, device)
}

// Aggregate computes the feature vector in a single pass over window.
// An empty window yields the zero Vector.
func Aggregate(window []*activity.Event) Vector {
	var v Vector
	var fileSizes, emailSizes, bytesOut, bytesIn []float64

	for _, ev := range window {
		switch ev.Kind {
		case activity.KindAuth:
			if ev.Action != "Logon" {
				continue
			}
			v.LogonCount++
			if ev.Raw.Status == "Failed" {
				v.FailedLoginCount++
			}
			if ev.SrcIP != "" && !strings.HasPrefix(ev.SrcIP, privatePrefix) {
				v.ExternalIPCount++
			}
			if isLateNight(ev.Timestamp) {
				v.LateNightLoginCount++
			}

		case activity.KindFile:
			v.FileAccessCount++
			size := float64(ev.Size)
			fileSizes = append(fileSizes, size)
			v.TotalFileSize += size
			if IsSensitivePath(ev.Resource) {
				v.SensitiveFolderAccessCount++
			}
			if ev.Raw.RemovableMedia() {
				v.USBCopyCount++
			}

		case activity.KindEmail:
			v.EmailCount++
			size := float64(ev.Size)
			emailSizes = append(emailSizes, size)
			v.TotalEmailSize += size
			if ev.Raw.Attachments != "" {
				v.EmailWithAttachmentCount++
			}
			to := ev.Resource
			if to == "" {
				to = ev.Raw.To
			}
			if to != "" && !strings.Contains(to, internalDomain) {
				v.ExternalEmailCount++
			}

		case activity.KindApp:
			v.WebVisitCount++
			if containsAny(ev.Resource, SuspiciousDomains) {
				v.SuspiciousDomainCount++
			}

		case activity.KindDevice:
			if ev.Action == "Connect" {
				v.USBConnectCount++
			}

		case activity.KindNet:
			out := float64(ev.Size)
			if ev.Size == 0 && ev.Raw.BytesOut != nil {
				out = float64(*ev.Raw.BytesOut)
			}
			var in float64
			if ev.Raw.BytesIn != nil {
				in = float64(*ev.Raw.BytesIn)
			}
			bytesOut = append(bytesOut, out)
			bytesIn = append(bytesIn, in)
			v.TotalBytesOut += out
			v.TotalBytesIn += in
			if out > LargeUploadBytes {
				v.LargeUploadCount++
			}
			if slices.Contains(lateralProtocol, ev.Raw.Protocol) || strings.HasPrefix(ev.DstIP, privatePrefix) {
				v.LateralMovementCount++
			}

		case activity.KindEndpoint:
			v.ProcessCount++
			process := ev.Resource
			if process == "" {
				process = ev.Raw.Process
			}
			if containsAny(strings.ToLower(process), scriptingTools) {
				v.ScriptingToolCount++
			}
			if ev.Raw.IntegrityLevel == "high" {
				v.HighIntegrityCount++
			}
		}
	}

	v.AvgFileSize = meanOf(fileSizes)
	v.MaxFileSize = maxOf(fileSizes)
	v.AvgEmailSize = meanOf(emailSizes)
	v.AvgBytesOut = meanOf(bytesOut)
	v.MaxBytesOut = maxOf(bytesOut)
	v.AvgBytesIn = meanOf(bytesIn)
	return v
}

// isLateNight covers 22:00 through 04:59 in the timestamp's own zone.
func isLateNight(ts time.Time) bool {
	h := ts.Hour()
	return h >= 22 || h <= 4
}

func containsAny(s string, needles []string) bool {
	if s == "" {
		return false
	}
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// meanOf and maxOf return 0 for empty input.
func meanOf(xs []float64) float64 {
	m, err := stats.Mean(xs)
	if err != nil {
		return 0
	}
	return m
}

func maxOf(xs []float64) float64 {
	m, err := stats.Max(xs)
	if err != nil {
		return 0
	}
	return m
}
