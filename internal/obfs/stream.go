package obfs

// Stream is the post-handshake pipeline. Each frame is padded, sealed with
// the AEAD and then run through the fuzz substitution, so the padding
// length travels encrypted. Length blocks get the same seal and
// substitution without padding.
type Stream struct {
	aead *AEAD
	fuzz *Fuzz
}

// NewStream keys the AEAD from secret, the negotiated salt and the client
// nonce, and builds the fuzz transform from p.
func NewStream(secret string, p *FuzzParams, nonce []byte) (*Stream, error) {
	fuzz, err := NewFuzz(p)
	if err != nil {
		return nil, err
	}
	salt := append(append([]byte{}, p.Salt[:]...), nonce...)
	a, err := NewAEAD(secret, salt)
	if err != nil {
		return nil, err
	}
	return &Stream{aead: a, fuzz: fuzz}, nil
}

// Params returns the fuzz parameters the stream was built from.
func (s *Stream) Params() FuzzParams {
	return s.fuzz.params
}

func (s *Stream) Wrap(plaintext []byte) ([]byte, error) {
	padded, err := s.fuzz.pad(plaintext)
	if err != nil {
		return nil, err
	}
	sealed, err := s.aead.Wrap(padded)
	if err != nil {
		return nil, err
	}
	s.fuzz.mask(sealed)
	return sealed, nil
}

func (s *Stream) Unwrap(wire []byte) ([]byte, error) {
	padded, err := s.aead.Unwrap(s.fuzz.unmask(wire))
	if err != nil {
		return nil, err
	}
	return s.fuzz.unpad(padded)
}

func (s *Stream) LengthSize() int {
	return s.aead.LengthSize()
}

func (s *Stream) SealLength(n int) ([]byte, error) {
	block, err := s.aead.SealLength(n)
	if err != nil {
		return nil, err
	}
	s.fuzz.mask(block)
	return block, nil
}

func (s *Stream) OpenLength(block []byte) (int, error) {
	return s.aead.OpenLength(s.fuzz.unmask(block))
}
