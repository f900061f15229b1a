// Package moextest provides an in-process fake of the ISS endpoints used by
// the ingestion pipeline.
package moextest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Endpoint kinds understood by FailNext and Requests.
const (
	Securities = "securities"
	Dates      = "dates"
	Candles    = "candles"
	Dividends  = "dividends"
)

// DefaultPageSize mirrors the row cap of the real service.
const DefaultPageSize = 500

var moscow = time.FixedZone("MSK", 3*60*60)

// SecurityColumns is the column order of the securities block.
var SecurityColumns = []string{
	"SECID", "BOARDID", "SHORTNAME", "PREVPRICE", "LOTSIZE", "FACEVALUE", "STATUS", "BOARDNAME",
	"DECIMALS", "SECNAME", "REMARKS", "MARKETCODE", "INSTRID", "SECTORID", "MINSTEP", "PREVWAPRICE",
	"FACEUNIT", "PREVDATE", "ISSUESIZE", "ISIN", "LATNAME", "REGNUMBER", "PREVLEGALCLOSEPRICE",
	"CURRENCYID", "SECTYPE", "LISTLEVEL", "SETTLEDATE",
}

// Candle is one bar served by the fake.
type Candle struct {
	Begin  time.Time
	End    time.Time
	Open   float64
	Close  float64
	High   float64
	Low    float64
	Value  float64
	Volume float64
}

// DailyCandle builds a daily bar for the trading date of day.
func DailyCandle(day time.Time, price float64) Candle {
	begin := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, moscow)
	return Candle{
		Begin:  begin,
		End:    begin.Add(24*time.Hour - time.Second),
		Open:   price,
		Close:  price + 1,
		High:   price + 2,
		Low:    price - 1,
		Value:  price * 1000,
		Volume: 1000,
	}
}

// Dividend is one dividend row served by the fake. Values are passed through
// verbatim so tests can feed malformed data.
type Dividend struct {
	Date     interface{}
	Value    interface{}
	Currency string
}

// SecurityRow returns a well-formed securities row for ticker.
func SecurityRow(ticker string) map[string]interface{} {
	return map[string]interface{}{
		"SECID":               ticker,
		"BOARDID":             "TQBR",
		"SHORTNAME":           ticker + " ao",
		"PREVPRICE":           json.Number("250.5"),
		"LOTSIZE":             json.Number("10"),
		"FACEVALUE":           json.Number("3"),
		"STATUS":              "A",
		"BOARDNAME":           "T+: Shares and DRs",
		"DECIMALS":            json.Number("2"),
		"SECNAME":             ticker + " ordinary",
		"REMARKS":             nil,
		"MARKETCODE":          "FNDT",
		"INSTRID":             "EQIN",
		"SECTORID":            nil,
		"MINSTEP":             json.Number("0.01"),
		"PREVWAPRICE":         json.Number("250.3"),
		"FACEUNIT":            "SUR",
		"PREVDATE":            "2024-03-01",
		"ISSUESIZE":           json.Number("21586948000"),
		"ISIN":                "RU000" + ticker,
		"LATNAME":             ticker,
		"REGNUMBER":           "10301481B",
		"PREVLEGALCLOSEPRICE": json.Number("250.4"),
		"CURRENCYID":          "SUR",
		"SECTYPE":             "1",
		"LISTLEVEL":           json.Number("1"),
		"SETTLEDATE":          "2024-03-05",
	}
}

type failure struct {
	status int
	left   int
}

// Server is a fake ISS service. All setters are safe for concurrent use.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	pageSize   int
	cursor     bool
	securities []map[string]interface{}
	dates      map[string][2]string
	candles    map[string][]Candle
	dividends  map[string][]Dividend
	failures   map[string]*failure
	requests   map[string]int
	hook       func(kind, ticker string)
}

// NewServer starts a fake ISS service. Callers must Close it.
func NewServer() *Server {
	s := &Server{
		pageSize:  DefaultPageSize,
		dates:     make(map[string][2]string),
		candles:   make(map[string][]Candle),
		dividends: make(map[string][]Dividend),
		failures:  make(map[string]*failure),
		requests:  make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// SetPageSize changes the number of candles returned per page.
func (s *Server) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = n
}

// SetCursor makes candle responses carry a candles.cursor block.
func (s *Server) SetCursor(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = on
}

// SetSecurities replaces the securities listing.
func (s *Server) SetSecurities(rows ...map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.securities = rows
}

// SetDates sets the available history span of ticker (ISO dates, inclusive).
func (s *Server) SetDates(ticker, from, till string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dates[ticker] = [2]string{from, till}
}

// AddCandles appends bars to ticker's history.
func (s *Server) AddCandles(ticker string, candles ...Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles[ticker] = append(s.candles[ticker], candles...)
	sort.Slice(s.candles[ticker], func(i, j int) bool {
		return s.candles[ticker][i].Begin.Before(s.candles[ticker][j].Begin)
	})
}

// SetDividends replaces the dividend rows of ticker.
func (s *Server) SetDividends(ticker string, rows ...Dividend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dividends[ticker] = rows
}

// FailNext makes the next n requests of kind answer with status.
func (s *Server) FailNext(kind string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[kind] = &failure{status: status, left: n}
}

// OnRequest registers a callback run before each request is served.
func (s *Server) OnRequest(fn func(kind, ticker string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

// Requests returns how many requests of kind were received.
func (s *Server) Requests(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[kind]
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	kind, ticker := route(r.URL.Path)
	if kind == "" {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	s.requests[kind]++
	hook := s.hook
	f := s.failures[kind]
	status := 0
	if f != nil && f.left > 0 {
		f.left--
		status = f.status
	}
	s.mu.Unlock()

	if hook != nil {
		hook(kind, ticker)
	}
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	switch kind {
	case Securities:
		s.serveSecurities(w)
	case Dates:
		s.serveDates(w, ticker)
	case Candles:
		s.serveCandles(w, r, ticker)
	case Dividends:
		s.serveDividends(w, ticker)
	}
}

func route(path string) (kind, ticker string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	last := parts[len(parts)-1]
	switch {
	case last == "securities.json":
		return Securities, ""
	case last == "dates.json" && len(parts) >= 2:
		return Dates, parts[len(parts)-2]
	case last == "candles.json" && len(parts) >= 2:
		return Candles, parts[len(parts)-2]
	case last == "dividends.json" && len(parts) >= 2:
		return Dividends, parts[len(parts)-2]
	}
	return "", ""
}

func (s *Server) serveSecurities(w http.ResponseWriter) {
	s.mu.Lock()
	data := make([][]interface{}, 0, len(s.securities))
	for _, sec := range s.securities {
		row := make([]interface{}, len(SecurityColumns))
		for i, col := range SecurityColumns {
			row[i] = sec[col]
		}
		data = append(data, row)
	}
	s.mu.Unlock()

	writeBlock(w, Securities, SecurityColumns, data)
}

func (s *Server) serveDates(w http.ResponseWriter, ticker string) {
	s.mu.Lock()
	span, ok := s.dates[ticker]
	s.mu.Unlock()

	data := [][]interface{}{}
	if ok {
		data = append(data, []interface{}{span[0], span[1]})
	}
	writeBlock(w, Dates, []string{"from", "till"}, data)
}

func (s *Server) serveCandles(w http.ResponseWriter, r *http.Request, ticker string) {
	q := r.URL.Query()
	from, errFrom := time.ParseInLocation("2006-01-02", q.Get("from"), moscow)
	till, errTill := time.ParseInLocation("2006-01-02", q.Get("till"), moscow)
	if errFrom != nil || errTill != nil {
		http.Error(w, "bad from/till", http.StatusBadRequest)
		return
	}
	start, _ := strconv.Atoi(q.Get("start"))

	s.mu.Lock()
	var matched []Candle
	for _, c := range s.candles[ticker] {
		if !c.Begin.Before(from) && c.Begin.Before(till.AddDate(0, 0, 1)) {
			matched = append(matched, c)
		}
	}
	pageSize := s.pageSize
	withCursor := s.cursor
	s.mu.Unlock()

	if start > len(matched) {
		start = len(matched)
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}

	const layout = "2006-01-02 15:04:05"
	data := make([][]interface{}, 0, end-start)
	for _, c := range matched[start:end] {
		data = append(data, []interface{}{
			c.Open, c.Close, c.High, c.Low, c.Value, c.Volume,
			c.Begin.In(moscow).Format(layout), c.End.In(moscow).Format(layout),
		})
	}
	blocks := map[string]interface{}{
		Candles: table([]string{"open", "close", "high", "low", "value", "volume", "begin", "end"}, data),
	}
	if withCursor {
		blocks[Candles+".cursor"] = table([]string{"INDEX", "TOTAL", "PAGESIZE"},
			[][]interface{}{{start, len(matched), pageSize}})
	}
	writeJSON(w, blocks)
}

func (s *Server) serveDividends(w http.ResponseWriter, ticker string) {
	s.mu.Lock()
	rows := s.dividends[ticker]
	s.mu.Unlock()

	data := make([][]interface{}, 0, len(rows))
	for _, d := range rows {
		data = append(data, []interface{}{ticker, "RU000" + ticker, d.Date, d.Value, d.Currency})
	}
	writeBlock(w, Dividends, []string{"secid", "isin", "registryclosedate", "value", "currencyid"}, data)
}

func table(columns []string, data [][]interface{}) map[string]interface{} {
	return map[string]interface{}{"columns": columns, "data": data}
}

func writeBlock(w http.ResponseWriter, name string, columns []string, data [][]interface{}) {
	writeJSON(w, map[string]interface{}{name: table(columns, data)})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
