package testutils

import (
	"bufio"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/pior/bloomd/protocol"
)

const (
	defaultCapacity    = 100000
	defaultProbability = 0.0001
)

// Server is an in-process filter server speaking the line protocol.
// Filters are modeled as exact sets: no false positives, no false negatives.
type Server struct {
	listener net.Listener

	mu      sync.Mutex
	filters map[string]*modelFilter
	replies map[protocol.Verb]string
	counts  map[protocol.Verb]int
	conns   map[net.Conn]struct{}
	accepts int
	closed  bool

	wg sync.WaitGroup
}

type modelFilter struct {
	capacity    int64
	probability float64
	keys        map[string]struct{}
	checks      int
	checkHits   int
	sets        int
	setHits     int
}

// StartServer starts a model server on a random local port.
// The server is closed when the test ends.
func StartServer(t testing.TB) *Server {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start model server: %v", err)
	}

	s := &Server{
		listener: listener,
		filters:  make(map[string]*modelFilter),
		replies:  make(map[protocol.Verb]string),
		counts:   make(map[protocol.Verb]int),
		conns:    make(map[net.Conn]struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	t.Cleanup(s.Close)
	return s
}

// Addr returns the "host:port" the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// AddFilter seeds a filter, with optional keys, without going through the protocol.
func (s *Server) AddFilter(name string, keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := newModelFilter(defaultCapacity, defaultProbability)
	for _, k := range keys {
		f.keys[k] = struct{}{}
	}
	s.filters[name] = f
}

// HasFilter reports whether the server holds the named filter.
func (s *Server) HasFilter(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.filters[name]
	return ok
}

// FilterCount returns the number of filters held by the server.
func (s *Server) FilterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.filters)
}

// SetReply forces the reply line for every command with the given verb.
// State is left untouched while a reply is forced. An empty reply restores normal handling.
func (s *Server) SetReply(verb protocol.Verb, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reply == "" {
		delete(s.replies, verb)
		return
	}
	s.replies[verb] = reply
}

// Commands returns how many commands with the given verb were received.
func (s *Server) Commands(verb protocol.Verb) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[verb]
}

// TotalCommands returns how many commands were received.
func (s *Server) TotalCommands() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.counts {
		total += n
	}
	return total
}

// Accepts returns how many client connections were accepted.
func (s *Server) Accepts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepts
}

// DropConnections closes every open client connection, like a server restart would.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// Close stops the server and waits for its goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.listener.Close()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.accepts++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		line, err := protocol.ReadLine(reader)
		if err != nil {
			return
		}

		for _, out := range s.handle(line) {
			writer.WriteString(out)
			writer.WriteByte('\n')
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) handle(line string) []string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return []string{"Client Error: Command not supported"}
	}

	verb := protocol.Verb(fields[0])
	args := fields[1:]

	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts[verb]++
	if reply, ok := s.replies[verb]; ok {
		return []string{reply}
	}

	switch verb {
	case protocol.VerbCreate:
		return s.create(args)
	case protocol.VerbList:
		return s.list()
	case protocol.VerbDrop:
		return s.withFilter(args, 1, func(name string, _ *modelFilter) []string {
			delete(s.filters, name)
			return []string{protocol.ReplyDone}
		})
	case protocol.VerbSet:
		return s.withFilter(args, 2, func(_ string, f *modelFilter) []string {
			f.sets++
			if _, ok := f.keys[args[1]]; ok {
				return []string{protocol.ReplyNo}
			}
			f.setHits++
			f.keys[args[1]] = struct{}{}
			return []string{protocol.ReplyYes}
		})
	case protocol.VerbCheck:
		return s.withFilter(args, 2, func(_ string, f *modelFilter) []string {
			f.checks++
			if _, ok := f.keys[args[1]]; ok {
				f.checkHits++
				return []string{protocol.ReplyYes}
			}
			return []string{protocol.ReplyNo}
		})
	case protocol.VerbInfo:
		return s.withFilter(args, 1, func(name string, f *modelFilter) []string {
			return block(f.info(name))
		})
	case protocol.VerbFlush:
		if len(args) == 0 {
			return []string{protocol.ReplyDone}
		}
		return s.withFilter(args, 1, func(string, *modelFilter) []string {
			return []string{protocol.ReplyDone}
		})
	case protocol.VerbConf:
		if len(args) == 0 {
			return block(s.serverConf())
		}
		return s.withFilter(args, 1, func(name string, f *modelFilter) []string {
			return block(f.conf(name))
		})
	default:
		return []string{"Client Error: Command not supported"}
	}
}

func (s *Server) withFilter(args []string, want int, fn func(name string, f *modelFilter) []string) []string {
	if len(args) != want {
		return []string{"Client Error: Bad arguments"}
	}
	f, ok := s.filters[args[0]]
	if !ok {
		return []string{"Filter does not exist"}
	}
	return fn(args[0], f)
}

func (s *Server) create(args []string) []string {
	if len(args) < 1 || len(args) > 3 {
		return []string{"Client Error: Bad arguments"}
	}
	if _, ok := s.filters[args[0]]; ok {
		return []string{"Exists"}
	}

	capacity := int64(defaultCapacity)
	probability := defaultProbability
	var err error
	if len(args) >= 2 {
		if capacity, err = strconv.ParseInt(args[1], 10, 64); err != nil || capacity <= 0 {
			return []string{"Client Error: Bad arguments"}
		}
	}
	if len(args) == 3 {
		if probability, err = strconv.ParseFloat(args[2], 64); err != nil || probability <= 0 || probability >= 1 {
			return []string{"Client Error: Bad arguments"}
		}
	}

	s.filters[args[0]] = newModelFilter(capacity, probability)
	return []string{protocol.ReplyDone}
}

func (s *Server) list() []string {
	names := make([]string, 0, len(s.filters))
	for name := range s.filters {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		f := s.filters[name]
		lines = append(lines, fmt.Sprintf("%s %f %d %d %d", name, f.probability, f.storage(), f.capacity, len(f.keys)))
	}
	return block(lines)
}

func (s *Server) serverConf() []string {
	return []string{
		"tcp_port " + strconv.Itoa(protocol.DefaultPort),
		"udp_port 8674",
		"data_dir /tmp/bloomd",
		"log_level INFO",
		fmt.Sprintf("initial_capacity %d", defaultCapacity),
		fmt.Sprintf("default_probability %f", defaultProbability),
		"scale_size 4",
		"probability_reduction 0.900000",
		"flush_interval 60",
		"cold_interval 3600",
		"in_memory 0",
		"worker_threads 1",
	}
}

func newModelFilter(capacity int64, probability float64) *modelFilter {
	return &modelFilter{
		capacity:    capacity,
		probability: probability,
		keys:        make(map[string]struct{}),
	}
}

func (f *modelFilter) storage() int64 {
	return f.capacity * 2
}

func (f *modelFilter) info(string) []string {
	return []string{
		fmt.Sprintf("capacity %d", f.capacity),
		fmt.Sprintf("checks %d", f.checks),
		fmt.Sprintf("check_hits %d", f.checkHits),
		fmt.Sprintf("check_misses %d", f.checks-f.checkHits),
		"page_ins 0",
		"page_outs 0",
		fmt.Sprintf("probability %f", f.probability),
		fmt.Sprintf("sets %d", f.sets),
		fmt.Sprintf("set_hits %d", f.setHits),
		fmt.Sprintf("set_misses %d", f.sets-f.setHits),
		fmt.Sprintf("size %d", len(f.keys)),
		fmt.Sprintf("storage %d", f.storage()),
	}
}

func (f *modelFilter) conf(name string) []string {
	return []string{
		"in_memory 0",
		fmt.Sprintf("initial_capacity %d", f.capacity),
		fmt.Sprintf("default_probability %f", f.probability),
		"filter_name " + name,
	}
}

func block(lines []string) []string {
	out := make([]string, 0, len(lines)+2)
	out = append(out, protocol.BlockStart)
	out = append(out, lines...)
	return append(out, protocol.BlockEnd)
}
