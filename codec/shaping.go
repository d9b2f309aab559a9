package codec

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"go.trai.ch/zerr"
)

// Compression selects how graph payloads are compressed.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
)

var (
	compressMagic   = []byte("CMP1")
	encryptionMagic = []byte("ENC1")
)

// shaper transforms graph payloads after marshalling and before
// unmarshalling. The envelope header is never shaped.
type shaper struct {
	compression Compression
	aead        cipher.AEAD
}

func newShaper(compression Compression, key []byte) (*shaper, error) {
	switch compression {
	case "", CompressionNone:
		compression = CompressionNone
	case CompressionGzip:
	default:
		return nil, zerr.With(zerr.Wrap(ErrUnsupportedCompression, "codec: new shaper"), "compression", string(compression))
	}
	s := &shaper{compression: compression}
	if len(key) == 0 {
		return s, nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrEncryptionKey
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	s.aead = aead
	return s, nil
}

func (s *shaper) shape(plain []byte) ([]byte, error) {
	out, err := s.compress(plain)
	if err != nil {
		return nil, err
	}
	if s.aead != nil {
		return s.encrypt(out)
	}
	return out, nil
}

func (s *shaper) unshape(in []byte) ([]byte, error) {
	plain, err := s.decrypt(in)
	if err != nil {
		return nil, err
	}
	return decompress(plain)
}

func (s *shaper) compress(value []byte) ([]byte, error) {
	if s.compression != CompressionGzip {
		return value, nil
	}
	var buf bytes.Buffer
	buf.Write(compressMagic)
	_ = buf.WriteByte('g')
	zw, _ := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if _, err := zw.Write(value); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(in []byte) ([]byte, error) {
	if len(in) < len(compressMagic)+1 || !bytes.Equal(in[:len(compressMagic)], compressMagic) {
		return in, nil
	}
	kind := in[len(compressMagic)]
	payload := in[len(compressMagic)+1:]
	if kind != 'g' {
		return nil, invalid(zerr.With(zerr.Wrap(ErrUnsupportedCompression, "codec: unshape payload"), "marker", string(kind)))
	}
	gr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, invalid(zerr.Wrap(err, "codec: corrupt compressed payload"))
	}
	defer gr.Close()
	out, err := io.ReadAll(gr)
	if err != nil {
		return nil, invalid(zerr.Wrap(err, "codec: corrupt compressed payload"))
	}
	return out, nil
}

func (s *shaper) encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ct := s.aead.Seal(nil, nonce, plain, nil)
	buf := make([]byte, 0, len(encryptionMagic)+1+len(nonce)+len(ct))
	buf = append(buf, encryptionMagic...)
	buf = append(buf, byte(len(nonce)))
	buf = append(buf, nonce...)
	buf = append(buf, ct...)
	return buf, nil
}

// decrypt opens sealed payloads. A sealed payload without a configured key,
// or a plain payload when a key is configured, is invalid.
func (s *shaper) decrypt(in []byte) ([]byte, error) {
	sealed := len(in) >= len(encryptionMagic)+1 && bytes.Equal(in[:len(encryptionMagic)], encryptionMagic)
	if s.aead == nil {
		if sealed {
			return nil, invalid(ErrDecryptFailed)
		}
		return in, nil
	}
	if !sealed {
		return nil, invalid(ErrDecryptFailed)
	}
	nonceLen := int(in[len(encryptionMagic)])
	offset := len(encryptionMagic) + 1
	if nonceLen != s.aead.NonceSize() || len(in) < offset+nonceLen {
		return nil, invalid(ErrDecryptFailed)
	}
	nonce := in[offset : offset+nonceLen]
	ct := in[offset+nonceLen:]
	plain, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, invalid(ErrDecryptFailed)
	}
	return plain, nil
}
