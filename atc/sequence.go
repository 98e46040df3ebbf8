package atc

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mastercactapus/atc/coord"
	"github.com/mastercactapus/atc/gcode"
	"github.com/mastercactapus/atc/machine"
	"github.com/mastercactapus/atc/pocket"
)

// sequence is the state of one load or unload. The first failure runs the
// failure path; every later failure returns that same error.
type sequence struct {
	c   *Changer
	opt Options
	op  string
	log *zap.Logger

	// ctx is checked between steps; hctx lets a host call run to
	// completion so a cancel never stops an actuator mid-transition.
	ctx  context.Context
	hctx context.Context

	units       machine.Units
	unitsStored bool
	switched    bool

	err *Error
}

type step func() error

func (c *Changer) newSequence(ctx context.Context, op string) *sequence {
	return &sequence{
		c:    c,
		opt:  c.opt,
		op:   op,
		log:  c.log.With(zap.String("op", op)),
		ctx:  ctx,
		hctx: context.WithoutCancel(ctx),
	}
}

func (s *sequence) fail(kind Kind, reason string, err error) error {
	if s.err != nil {
		return s.err
	}
	s.err = &Error{Kind: kind, Op: s.op, Reason: reason, Err: err}

	host := s.c.host
	s.log.Error("ATC: "+reason, zap.Stringer("kind", kind), zap.Error(err))
	msg := "ATC: " + reason
	if err != nil {
		msg += ": " + err.Error()
	}
	host.Notify(msg)

	if !host.Idle() {
		if err := host.FeedHold(); err != nil {
			s.log.Error("feed hold", zap.Error(err))
		}
		if err := host.CycleStop(); err != nil {
			s.log.Error("cycle stop", zap.Error(err))
		}
	}
	if err := s.c.controls.allOff(); err != nil {
		s.log.Error("ATC: actuators not all off", zap.Error(err))
	}
	if s.switched {
		s.switched = false
		if err := host.SetUnits(s.units); err != nil {
			s.log.Error("restore units", zap.Error(err))
		}
	}
	return s.err
}

func (s *sequence) run(steps ...step) error {
	for _, st := range steps {
		if err := st(); err != nil {
			return err
		}
	}
	return nil
}

// check turns a cancelled context into a failure of the step that just
// completed.
func (s *sequence) check(name string) error {
	if err := s.ctx.Err(); err != nil {
		return s.fail(KindCommand, name+": cancelled", err)
	}
	return nil
}

func (s *sequence) move(name string, b gcode.Block) step {
	return func() error {
		s.log.Debug(name, zap.Stringer("block", b))
		if err := s.c.host.Execute(s.hctx, b); err != nil {
			return s.fail(KindCommand, name+" failed", err)
		}
		return s.check(name)
	}
}

func (s *sequence) output(name, signal string, on bool) step {
	return func() error {
		if err := s.c.host.SetSignal(signal, on); err != nil {
			return s.fail(KindCommand, name+": output unreachable", err)
		}
		return s.check(name)
	}
}

func (s *sequence) wait(d time.Duration) step {
	return func() error {
		s.c.host.Sleep(s.hctx, d)
		return s.check("wait")
	}
}

func rapidZ(z float64) gcode.Block {
	return gcode.Rapid(gcode.AxisWord(coord.Z, z))
}

func (s *sequence) feedZ(f, z float64) gcode.Block {
	return gcode.Feed(f, gcode.AxisWord(coord.Z, z))
}

func (s *sequence) feedXY(x, y float64) gcode.Block {
	return gcode.Feed(s.opt.FeedRate, gcode.AxisWord(coord.X, x), gcode.AxisWord(coord.Y, y))
}

func (s *sequence) switchUnits() error {
	if s.unitsStored {
		return nil
	}
	u, err := s.c.host.Units()
	if err != nil {
		return s.fail(KindCommand, "units unreadable", err)
	}
	s.units, s.unitsStored = u, true
	if u == s.opt.Units {
		return nil
	}
	if err := s.c.host.SetUnits(s.opt.Units); err != nil {
		return s.fail(KindCommand, "switch units failed", err)
	}
	s.switched = true
	return s.check("switch units")
}

func (s *sequence) restore() error {
	if !s.switched {
		return nil
	}
	s.switched = false
	if err := s.c.host.SetUnits(s.units); err != nil {
		return s.fail(KindCommand, "restore units failed", err)
	}
	return nil
}

func (s *sequence) commit(tool int) error {
	if err := s.c.host.SetCurrentTool(tool); err != nil {
		return s.fail(KindCommand, "current tool not recorded", err)
	}
	return nil
}

// locate finds the pocket for tool and checks it is safe to move to.
func (s *sequence) locate(tool int) (pocket.Pocket, error) {
	p, err := s.c.reg.PocketForTool(tool)
	if err != nil {
		return p, s.fail(KindPrecondition, fmt.Sprintf("tool %d not assigned to a pocket", tool), err)
	}
	if err := pocket.ValidateAssignment(tool, p); err != nil {
		return p, s.fail(KindPrecondition, fmt.Sprintf("pocket %d not ready for tool %d", p.ID, tool), err)
	}
	if p.Position.Z+s.opt.ApproachClearance >= s.opt.SafeZ {
		return p, s.fail(KindPrecondition, fmt.Sprintf("pocket %d is not below safe Z", p.ID), nil)
	}
	for _, a := range coord.Axes {
		if !s.c.host.IsAxisHomed(a) {
			return p, s.fail(KindPrecondition, fmt.Sprintf("%s axis not homed", a), nil)
		}
	}
	return p, nil
}

func (s *sequence) currentTool() (int, error) {
	tool, err := s.c.host.CurrentTool()
	if err != nil {
		return 0, s.fail(KindCommand, "current tool unreadable", err)
	}
	return tool, nil
}

func (s *sequence) unload() error {
	tool, err := s.currentTool()
	if err != nil {
		return err
	}
	if tool <= 0 {
		return s.fail(KindPrecondition, "no tool loaded", nil)
	}
	p, err := s.locate(tool)
	if err != nil {
		return err
	}
	err = s.run(
		s.switchUnits,
		func() error { return s.stow(p) },
		s.restore,
		func() error { return s.commit(pocket.Unassigned) },
	)
	if err != nil {
		return err
	}
	s.log.Info("tool unloaded", zap.Int("tool", tool), zap.Int("pocket", p.ID))
	return nil
}

// stow leaves the spindle's tool in p and returns to safe Z.
func (s *sequence) stow(p pocket.Pocket) error {
	pos, sig := p.Position, s.opt.Signals
	return s.run(
		s.move("raise to safe Z", rapidZ(s.opt.SafeZ)),
		s.move("move to pre-approach", s.feedXY(pos.X-s.opt.ApproachOffsetX, pos.Y)),
		s.move("move into pocket", s.feedXY(pos.X, pos.Y)),
		s.move("descend to pocket", s.feedZ(s.opt.FeedRate, pos.Z+s.opt.ApproachClearance)),
		s.output("open drawbar", sig.DrawbarOpen, true),
		s.wait(s.opt.DrawbarSettle),
		s.output("open drawbar", sig.DrawbarOpen, false),
		s.move("raise to safe Z", rapidZ(s.opt.SafeZ)),
	)
}

func (s *sequence) load(tool int) error {
	if tool <= 0 {
		return s.fail(KindPrecondition, fmt.Sprintf("invalid tool number %d", tool), pocket.ErrInvalidTool)
	}
	target, err := s.locate(tool)
	if err != nil {
		return err
	}
	cur, err := s.currentTool()
	if err != nil {
		return err
	}
	if cur == tool {
		s.log.Info("tool already loaded", zap.Int("tool", tool))
		return s.run(
			s.switchUnits,
			s.move("raise to safe Z", rapidZ(s.opt.SafeZ)),
			s.restore,
		)
	}

	steps := []step{s.switchUnits}
	if cur > 0 {
		prev, err := s.locate(cur)
		if err != nil {
			return err
		}
		steps = append(steps,
			func() error { return s.stow(prev) },
			func() error { return s.commit(pocket.Unassigned) },
		)
	}
	steps = append(steps,
		func() error { return s.pickup(target) },
		func() error { return s.seat(tool, target) },
		func() error { return s.retract(target) },
		s.restore,
		func() error { return s.commit(tool) },
	)
	if err := s.run(steps...); err != nil {
		return err
	}
	s.c.reg.Select(target.ID)
	s.log.Info("tool loaded", zap.Int("tool", tool), zap.Int("pocket", target.ID))
	return nil
}

// clamp closes the drawbar while descending to the capture height.
func (s *sequence) clamp(p pocket.Pocket) []step {
	sig := s.opt.Signals
	return []step{
		s.output("close drawbar", sig.DrawbarClose, true),
		s.move("descend to capture", s.feedZ(s.opt.SlowFeedRate, p.Position.Z+s.opt.CaptureOffset)),
		s.wait(s.opt.DrawbarHold),
		s.output("close drawbar", sig.DrawbarClose, false),
	}
}

func (s *sequence) pickup(p pocket.Pocket) error {
	pos, sig := p.Position, s.opt.Signals
	steps := []step{
		s.move("raise to safe Z", rapidZ(s.opt.SafeZ)),
		s.move("move over pocket", s.feedXY(pos.X, pos.Y)),
		s.move("descend to blow-off", s.feedZ(s.opt.FeedRate, pos.Z+s.opt.BlowOffClearance)),
		s.output("start blow-off", sig.BlowOff, true),
		s.move("descend to approach", s.feedZ(s.opt.SlowFeedRate, pos.Z+s.opt.ApproachClearance)),
		s.output("stop blow-off", sig.BlowOff, false),
	}
	return s.run(append(steps, s.clamp(p)...)...)
}

func (s *sequence) seated() (bool, error) {
	if err := s.wait(s.opt.SeatSettle)(); err != nil {
		return false, err
	}
	ok, err := s.c.host.Signal(s.opt.Signals.ToolSeated)
	if err != nil {
		return false, s.fail(KindCommand, "tool seated input unreachable", err)
	}
	return ok, nil
}

// seat verifies the tool is seated, retrying the clamp once and then
// asking the operator. The sequence continues after the operator responds.
func (s *sequence) seat(tool int, p pocket.Pocket) error {
	ok, err := s.seated()
	if err != nil || ok {
		return err
	}

	s.log.Warn("tool not seated, retrying", zap.Int("tool", tool))
	s.c.metrics.retries.Inc()
	sig := s.opt.Signals
	steps := []step{
		s.output("open drawbar", sig.DrawbarOpen, true),
		s.move("lift for retry", s.feedZ(s.opt.SlowFeedRate, p.Position.Z+s.opt.CaptureOffset+s.opt.RetryOffset)),
		s.output("open drawbar", sig.DrawbarOpen, false),
	}
	if err := s.run(append(steps, s.clamp(p)...)...); err != nil {
		return err
	}
	ok, err = s.seated()
	if err != nil {
		return err
	}
	if ok {
		s.log.Info("tool seated after retry", zap.Int("tool", tool))
		return nil
	}

	msg := fmt.Sprintf("ATC: tool %d did not seat, seat it by hand and resume", tool)
	s.log.Warn(msg, zap.Stringer("kind", KindOperator))
	s.c.metrics.prompts.Inc()
	if err := s.c.host.Prompt(s.ctx, msg); err != nil {
		return s.fail(KindOperator, "operator did not acknowledge", err)
	}
	return s.run(
		s.output("close drawbar", sig.DrawbarClose, true),
		s.wait(s.opt.DrawbarHold),
		s.output("close drawbar", sig.DrawbarClose, false),
	)
}

// retract leaves the pocket sideways, the way stow entered it.
func (s *sequence) retract(p pocket.Pocket) error {
	return s.run(
		s.move("raise to safe Z", rapidZ(s.opt.SafeZ)),
		s.move("leave pocket", gcode.Feed(s.opt.FeedRate, gcode.AxisWord(coord.X, p.Position.X-s.opt.ApproachOffsetX))),
	)
}
