package escrow

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatEther(t *testing.T) {
	assert.Equal(t, "20", FormatEther(Ether(20)))
	assert.Equal(t, "0.5", FormatEther(new(big.Int).Div(Ether(1), big.NewInt(2))))
	assert.Equal(t, "0", FormatEther(nil))
	assert.Equal(t, "0", FormatEther(new(big.Int)))
	assert.Equal(t, "0.000000000000000001", FormatEther(big.NewInt(1)))
}
