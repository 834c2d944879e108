package optimizations

import "math"

// InverseSqrtWarmup is the warmup-then-decay factor
//
//	d^-0.5 * min(step^-0.5, step * warmup^-1.5)
//
// and 0 at step 0. It rises linearly for warmup steps, then decays as
// step^-0.5. The factor is used as the learning rate itself, so the base LR
// of the optimizer is 1.
func InverseSqrtWarmup(step, dModel, warmup int) float64 {
	if step <= 0 {
		return 0
	}
	s := float64(step)
	return math.Pow(float64(dModel), -0.5) *
		math.Min(math.Pow(s, -0.5), s*math.Pow(float64(warmup), -1.5))
}

// LambdaLR sets the optimizer LR to BaseLR * Lambda(step). The LR is set for
// step 0 on construction, so the first Adam update uses Lambda(0).
type LambdaLR struct {
	Opt      *Adam
	BaseLR   float64
	Lambda   func(step int) float64
	LastStep int
}

func NewLambdaLR(opt *Adam, lambda func(step int) float64) *LambdaLR {
	s := &LambdaLR{Opt: opt, BaseLR: opt.LR, Lambda: lambda}
	opt.LR = s.BaseLR * lambda(0)
	return s
}

// NewInverseSqrtWarmup wires InverseSqrtWarmup into a LambdaLR.
func NewInverseSqrtWarmup(opt *Adam, dModel, warmup int) *LambdaLR {
	return NewLambdaLR(opt, func(step int) float64 {
		return InverseSqrtWarmup(step, dModel, warmup)
	})
}

// Step advances the schedule by one and updates the optimizer LR.
func (s *LambdaLR) Step() {
	s.LastStep++
	s.Opt.LR = s.BaseLR * s.Lambda(s.LastStep)
}

// Restore jumps to step, e.g. after loading a checkpoint.
func (s *LambdaLR) Restore(step int) {
	s.LastStep = step
	s.Opt.LR = s.BaseLR * s.Lambda(step)
}

func (s *LambdaLR) LR() float64 { return s.Opt.LR }
