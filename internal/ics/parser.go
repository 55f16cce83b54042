// Package ics はICSフィード（RFC 5545）の取り込みを提供する。
// VEVENTコンポーネントの最小限のパースと、SSRF防止付きのフェッチを含む。
package ics

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrParse はICSデータのパースに失敗したことを表す。
var ErrParse = errors.New("ICSデータのパースに失敗しました")

// VEvent はICSフィード内の1イベントを表す。
// 使用するプロパティのみを保持し、その他は読み飛ばす。
type VEvent struct {
	UID          string
	Summary      string
	Description  string
	Location     string
	Status       string
	StartsAt     time.Time
	EndsAt       time.Time
	AllDay       bool
	LastModified time.Time // LAST-MODIFIEDが無い場合はゼロ値
}

// Parse はICSデータからVEVENTを抽出する。
// 行の折り返し（folding）とテキストエスケープを処理する。
// UIDまたはDTSTARTを欠くイベントは読み飛ばす。
// タイムゾーン参照（TZID）は解決せず、時刻はUTCとして解釈する。
func Parse(r io.Reader) ([]VEvent, error) {
	lines, err := unfold(r)
	if err != nil {
		return nil, err
	}

	var events []VEvent
	var current *VEvent
	var startHasTime, endHasTime bool
	inCalendar := false

	for _, line := range lines {
		name, params, value := splitProperty(line)

		switch name {
		case "BEGIN":
			switch value {
			case "VCALENDAR":
				inCalendar = true
			case "VEVENT":
				if !inCalendar {
					return nil, fmt.Errorf("%w: VCALENDARの外にVEVENTがあります", ErrParse)
				}
				current = &VEvent{}
				startHasTime = false
				endHasTime = false
			}
		case "END":
			if value == "VEVENT" && current != nil {
				if current.UID != "" && !current.StartsAt.IsZero() {
					if current.EndsAt.IsZero() {
						current.EndsAt = current.StartsAt
					}
					current.AllDay = !startHasTime && !endHasTime
					events = append(events, *current)
				}
				current = nil
			}
		}

		if current == nil {
			continue
		}

		switch name {
		case "UID":
			current.UID = unescapeText(value)
		case "SUMMARY":
			current.Summary = unescapeText(value)
		case "DESCRIPTION":
			current.Description = unescapeText(value)
		case "LOCATION":
			current.Location = unescapeText(value)
		case "STATUS":
			current.Status = strings.ToLower(value)
		case "DTSTART":
			t, hasTime, err := parseDateTime(params, value)
			if err != nil {
				return nil, fmt.Errorf("%w: DTSTART: %v", ErrParse, err)
			}
			current.StartsAt = t
			startHasTime = hasTime
		case "DTEND":
			t, hasTime, err := parseDateTime(params, value)
			if err != nil {
				return nil, fmt.Errorf("%w: DTEND: %v", ErrParse, err)
			}
			current.EndsAt = t
			endHasTime = hasTime
		case "LAST-MODIFIED":
			t, _, err := parseDateTime(params, value)
			if err == nil {
				current.LastModified = t
			}
		}
	}

	if !inCalendar {
		return nil, fmt.Errorf("%w: VCALENDARが見つかりません", ErrParse)
	}

	return events, nil
}

// unfold は物理行を論理行に戻す。
// 空白またはタブで始まる行は直前の行の継続として連結する（RFC 5545 §3.1）。
func unfold(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lines []string
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += line[1:]
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return lines, nil
}

// splitProperty は論理行を名前・パラメータ・値に分割する。
// 例: "DTSTART;VALUE=DATE:20260510" → ("DTSTART", {"VALUE":"DATE"}, "20260510")
func splitProperty(line string) (string, map[string]string, string) {
	colon := strings.Index(line, ":")
	if colon < 0 {
		return strings.ToUpper(line), nil, ""
	}

	head := line[:colon]
	value := line[colon+1:]

	parts := strings.Split(head, ";")
	name := strings.ToUpper(parts[0])

	var params map[string]string
	for _, p := range parts[1:] {
		eq := strings.Index(p, "=")
		if eq < 0 {
			continue
		}
		if params == nil {
			params = make(map[string]string)
		}
		params[strings.ToUpper(p[:eq])] = p[eq+1:]
	}

	return name, params, value
}

// parseDateTime はICSの日付・日時値をパースする。
// 返り値のboolは時刻成分を持つか（falseなら終日）。
// ローカル時刻形式（Zサフィックスなし）はUTCとして解釈する。
func parseDateTime(params map[string]string, value string) (time.Time, bool, error) {
	if params["VALUE"] == "DATE" || len(value) == 8 {
		t, err := time.Parse("20060102", value)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("日付のパースに失敗しました: %q", value)
		}
		return t, false, nil
	}

	layout := "20060102T150405"
	if strings.HasSuffix(value, "Z") {
		layout = "20060102T150405Z"
	}
	t, err := time.Parse(layout, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("日時のパースに失敗しました: %q", value)
	}
	return t.UTC(), true, nil
}

// unescapeText はTEXT値のエスケープを解除する（RFC 5545 §3.3.11）。
func unescapeText(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i == len(s)-1 {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'n', 'N':
			b.WriteByte('\n')
		case ',', ';', '\\':
			b.WriteByte(s[i])
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
