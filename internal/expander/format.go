package expander

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"strconv"
	"strings"

	"github.com/lalithlochan/herald/internal/db"
)

const smsMaxRunes = 160

func direction(s *db.Signal) string {
	return strings.ToUpper(s.Direction)
}

func price(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func emailSubject(s *db.Signal) string {
	return fmt.Sprintf("%s %s @ %s (%s)", direction(s), s.Symbol, price(s.Price), s.Timeframe)
}

func pushTitle(s *db.Signal) string {
	return fmt.Sprintf("%s %s", direction(s), s.Symbol)
}

// compactText is the one-line form used by sms and push.
func compactText(s *db.Signal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s @ %s", direction(s), s.Symbol, price(s.Price))
	if s.StopLoss != nil {
		fmt.Fprintf(&b, " SL %s", price(*s.StopLoss))
	}
	if s.TakeProfit != nil {
		fmt.Fprintf(&b, " TP %s", price(*s.TakeProfit))
	}
	if s.Timeframe != "" {
		fmt.Fprintf(&b, " [%s]", s.Timeframe)
	}
	return b.String()
}

func smsText(s *db.Signal) string {
	return truncateRunes(compactText(s), smsMaxRunes)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// longText is the plain multi-line body for email and chat.
func longText(s *db.Signal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s signal on %s\n", direction(s), s.Symbol)
	fmt.Fprintf(&b, "Entry: %s\n", price(s.Price))
	if s.StopLoss != nil {
		fmt.Fprintf(&b, "Stop loss: %s\n", price(*s.StopLoss))
	}
	if s.TakeProfit != nil {
		fmt.Fprintf(&b, "Take profit: %s\n", price(*s.TakeProfit))
	}
	if s.Timeframe != "" {
		fmt.Fprintf(&b, "Timeframe: %s\n", s.Timeframe)
	}
	if s.Strategy != "" {
		fmt.Fprintf(&b, "Strategy: %s\n", s.Strategy)
	}
	if s.Confidence != nil {
		fmt.Fprintf(&b, "Confidence: %.0f%%\n", *s.Confidence*100)
	}
	if s.Note != "" {
		fmt.Fprintf(&b, "\n%s\n", s.Note)
	}
	return strings.TrimRight(b.String(), "\n")
}

var emailTemplate = template.Must(template.New("signal").Parse(`<html><body>
<h2>{{.Direction}} {{.Symbol}}</h2>
<table>
<tr><td>Entry</td><td>{{.Price}}</td></tr>
{{- if .StopLoss}}
<tr><td>Stop loss</td><td>{{.StopLoss}}</td></tr>
{{- end}}
{{- if .TakeProfit}}
<tr><td>Take profit</td><td>{{.TakeProfit}}</td></tr>
{{- end}}
{{- if .Timeframe}}
<tr><td>Timeframe</td><td>{{.Timeframe}}</td></tr>
{{- end}}
{{- if .Strategy}}
<tr><td>Strategy</td><td>{{.Strategy}}</td></tr>
{{- end}}
</table>
{{- if .Note}}
<p>{{.Note}}</p>
{{- end}}
</body></html>`))

type emailView struct {
	Direction  string
	Symbol     string
	Price      string
	StopLoss   string
	TakeProfit string
	Timeframe  string
	Strategy   string
	Note       string
}

func emailHTML(s *db.Signal) string {
	v := emailView{
		Direction: direction(s),
		Symbol:    s.Symbol,
		Price:     price(s.Price),
		Timeframe: s.Timeframe,
		Strategy:  s.Strategy,
		Note:      s.Note,
	}
	if s.StopLoss != nil {
		v.StopLoss = price(*s.StopLoss)
	}
	if s.TakeProfit != nil {
		v.TakeProfit = price(*s.TakeProfit)
	}

	var buf bytes.Buffer
	if err := emailTemplate.Execute(&buf, v); err != nil {
		// the template is static; fall back to the escaped plain body
		return "<pre>" + template.HTMLEscapeString(longText(s)) + "</pre>"
	}
	return buf.String()
}

type webhookSignal struct {
	Event  string     `json:"event"`
	Signal *db.Signal `json:"signal"`
}

func webhookBody(s *db.Signal) string {
	data, err := json.Marshal(webhookSignal{Event: "signal.created", Signal: s})
	if err != nil {
		return compactText(s)
	}
	return string(data)
}
