package loaders

import (
	"os"

	"github.com/cockroachdb/errors"
)

// SpirvMagic is the first word of every SPIR-V module.
const SpirvMagic = 0x07230203

type ShaderLoader struct{}

func (sl *ShaderLoader) Load(path string) (*Resource, error) {
	code, err := LoadShader(path)
	if err != nil {
		return nil, err
	}
	return &Resource{
		Name:     nameOf(path),
		FullPath: path,
		DataSize: uint64(len(code)),
		Data:     code,
	}, nil
}

// LoadShader reads a SPIR-V binary and checks that it is a little endian word
// stream starting with the SPIR-V magic number.
func LoadShader(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading shader %s", path)
	}
	if err := ValidateSpirv(data); err != nil {
		return nil, errors.Wrapf(err, "shader %s", path)
	}
	return data, nil
}

func ValidateSpirv(data []byte) error {
	if len(data) < 20 || len(data)%4 != 0 {
		return errors.Newf("%d bytes is not a SPIR-V module", len(data))
	}
	words := bytesToBytecode(data[:4])
	if words[0] != SpirvMagic {
		return errors.Newf("bad SPIR-V magic 0x%08x", words[0])
	}
	return nil
}

func bytesToBytecode(b []byte) []uint32 {
	byteCode := make([]uint32, len(b)/4)
	for i := 0; i < len(byteCode); i++ {
		byteIndex := i * 4
		byteCode[i] |= uint32(b[byteIndex])
		byteCode[i] |= uint32(b[byteIndex+1]) << 8
		byteCode[i] |= uint32(b[byteIndex+2]) << 16
		byteCode[i] |= uint32(b[byteIndex+3]) << 24
	}
	return byteCode
}
