package relayclient

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/relay/internal/relay"
)

// yamlScenarioFile is the top-level YAML structure for scenario files.
type yamlScenarioFile struct {
	Scenario yamlScenario `yaml:"scenario"`
}

type yamlScenario struct {
	Room         string     `yaml:"room"`
	Username     string     `yaml:"username"`
	UserID       string     `yaml:"user_id"`
	ModelID      string     `yaml:"model_id"`
	Position     *yamlVec3  `yaml:"position"`
	Steps        []yamlStep `yaml:"steps"`
	PingInterval string     `yaml:"ping_interval"`
	Listen       string     `yaml:"listen"`
}

type yamlVec3 struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

type yamlMove struct {
	X        float64 `yaml:"x"`
	Y        float64 `yaml:"y"`
	Z        float64 `yaml:"z"`
	Rotation float64 `yaml:"rotation"`
	Moving   bool    `yaml:"moving"`
}

type yamlStep struct {
	Move *yamlMove `yaml:"move"`
	Chat *string   `yaml:"chat"`
	Ping int       `yaml:"ping"`
	Wait string    `yaml:"wait"`
}

// Step is one scripted action. Exactly one field is set.
type Step struct {
	Move *relay.PlayerMove
	Chat *string
	Ping int
	Wait time.Duration
}

// Scenario is a scripted probe session: join a room, run the steps, then
// keep measuring ping latency for Listen.
type Scenario struct {
	Join         relay.JoinRoom
	Steps        []Step
	PingInterval time.Duration
	Listen       time.Duration
}

// LoadScenarioFromFile reads and validates a YAML scenario.
//
// Postcondition: Returns a validated Scenario or a non-nil error.
func LoadScenarioFromFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file %s: %w", path, err)
	}
	return LoadScenarioFromBytes(data)
}

// LoadScenarioFromBytes parses and validates a scenario from YAML bytes.
func LoadScenarioFromBytes(data []byte) (*Scenario, error) {
	var file yamlScenarioFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing scenario YAML: %w", err)
	}
	return convertYAMLScenario(file.Scenario)
}

func convertYAMLScenario(y yamlScenario) (*Scenario, error) {
	if y.Room == "" {
		return nil, errors.New("scenario room must not be empty")
	}
	s := &Scenario{
		Join: relay.JoinRoom{
			RoomID:   y.Room,
			Username: y.Username,
			UserID:   y.UserID,
			ModelID:  y.ModelID,
		},
		PingInterval: 5 * time.Second,
	}
	if y.Position != nil {
		s.Join.Position = &relay.Vec3{X: y.Position.X, Y: y.Position.Y, Z: y.Position.Z}
	}

	var err error
	if y.PingInterval != "" {
		if s.PingInterval, err = time.ParseDuration(y.PingInterval); err != nil || s.PingInterval <= 0 {
			return nil, fmt.Errorf("invalid ping_interval %q", y.PingInterval)
		}
	}
	if y.Listen != "" {
		if s.Listen, err = time.ParseDuration(y.Listen); err != nil || s.Listen < 0 {
			return nil, fmt.Errorf("invalid listen %q", y.Listen)
		}
	}

	for i, ys := range y.Steps {
		var st Step
		set := 0
		if ys.Move != nil {
			st.Move = &relay.PlayerMove{
				Position: relay.Vec3{X: ys.Move.X, Y: ys.Move.Y, Z: ys.Move.Z},
				Rotation: ys.Move.Rotation,
				IsMoving: ys.Move.Moving,
			}
			set++
		}
		if ys.Chat != nil {
			st.Chat = ys.Chat
			set++
		}
		if ys.Ping != 0 {
			if ys.Ping < 0 {
				return nil, fmt.Errorf("step %d: ping count must be > 0", i)
			}
			st.Ping = ys.Ping
			set++
		}
		if ys.Wait != "" {
			d, err := time.ParseDuration(ys.Wait)
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("step %d: invalid wait %q", i, ys.Wait)
			}
			st.Wait = d
			set++
		}
		if set != 1 {
			return nil, fmt.Errorf("step %d: exactly one of move, chat, ping, wait is required", i)
		}
		s.Steps = append(s.Steps, st)
	}
	return s, nil
}

// Report summarises a scenario run.
type Report struct {
	// Received counts events by name, pongs included.
	Received map[string]int
	RTTs     []time.Duration
}

// MedianRTT returns the median ping round trip, or 0 with no samples.
func (r Report) MedianRTT() time.Duration {
	if len(r.RTTs) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), r.RTTs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

// Run executes s over c.
//
// Postcondition: Returns the report of everything observed, with a non-nil
// error if the join was refused or the connection failed.
func (s *Scenario) Run(ctx context.Context, c *Client, logger *zap.Logger) (Report, error) {
	rep := Report{Received: make(map[string]int)}

	if err := c.Send(s.Join); err != nil {
		return rep, err
	}
	state, err := s.await(ctx, c, logger, &rep, relay.EventRoomState)
	if err != nil {
		return rep, err
	}
	logger.Info("joined room",
		zap.String("room", s.Join.RoomID),
		zap.Int("peers", len(state.(relay.RoomState))),
	)

	for _, st := range s.Steps {
		switch {
		case st.Move != nil:
			if err := c.Send(*st.Move); err != nil {
				return rep, err
			}
		case st.Chat != nil:
			if err := c.Send(relay.ChatMessage{Message: *st.Chat}); err != nil {
				return rep, err
			}
			if _, err := s.await(ctx, c, logger, &rep, relay.EventPlayerChat); err != nil {
				return rep, err
			}
		case st.Ping > 0:
			for i := 0; i < st.Ping; i++ {
				if err := s.ping(ctx, c, logger, &rep); err != nil {
					return rep, err
				}
			}
		case st.Wait > 0:
			select {
			case <-time.After(st.Wait):
			case <-ctx.Done():
				return rep, ctx.Err()
			}
		}
	}

	deadline := time.Now().Add(s.Listen)
	for time.Now().Before(deadline) {
		if err := s.ping(ctx, c, logger, &rep); err != nil {
			return rep, err
		}
		wait := min(s.PingInterval, time.Until(deadline))
		if wait <= 0 {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return rep, ctx.Err()
		}
	}
	return rep, nil
}

func (s *Scenario) ping(ctx context.Context, c *Client, logger *zap.Logger, rep *Report) error {
	sent := time.Now()
	if err := c.Send(relay.Ping{}); err != nil {
		return err
	}
	if _, err := s.await(ctx, c, logger, rep, relay.EventPong); err != nil {
		return err
	}
	rtt := time.Since(sent)
	rep.RTTs = append(rep.RTTs, rtt)
	logger.Info("ping", zap.Duration("rtt", rtt))
	return nil
}

// await reads until an event named name arrives, counting and logging the
// others. An error event fails the wait.
func (s *Scenario) await(ctx context.Context, c *Client, logger *zap.Logger, rep *Report, name string) (relay.Outbound, error) {
	for {
		evt, err := c.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("waiting for %s: %w", name, err)
		}
		rep.Received[evt.EventName()]++
		if n, ok := evt.(relay.ErrorNotice); ok {
			return nil, fmt.Errorf("relay error: %s", n.Message)
		}
		if evt.EventName() == name {
			return evt, nil
		}
		logger.Debug("event", zap.String("event", evt.EventName()), zap.Any("data", evt))
	}
}
