package agent

import "errors"

// StepStream is a pull iterator over the responses of one step.
type StepStream struct {
	next   func() (Response, error, bool)
	stop   func()
	closed bool
}

// Next returns the next response, or ErrStepDone when the step is complete.
// Any other error aborts the step.
func (s *StepStream) Next() (Response, error) {
	if s.closed {
		return Response{}, ErrStepDone
	}
	resp, err, ok := s.next()
	if !ok {
		s.Close()
		return Response{}, ErrStepDone
	}
	if err != nil {
		s.Close()
		return Response{}, err
	}
	return resp, nil
}

// Close abandons the remainder of the step.
func (s *StepStream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.stop()
}

// Collect drains the stream.
func (s *StepStream) Collect() ([]Response, error) {
	var out []Response
	for {
		resp, err := s.Next()
		if errors.Is(err, ErrStepDone) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, resp)
	}
}
