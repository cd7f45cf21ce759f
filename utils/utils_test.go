package utils_test

import (
	"testing"

	"github.com/eric2788/splitrec/utils"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeFilename(t *testing.T) {
	for in, want := range map[string]string{
		"room/1":          "room_1",
		"../../etc":       "______etc",
		" live show ":     "live show",
		"a:b*c?d\"e<f>g|": "a_b_c_d_e_f_g_",
		"tab\there":       "tabhere",
		"":                "recording",
		"  ":              "recording",
		"直播間":             "直播間",
	} {
		assert.Equal(t, want, utils.SanitizeFilename(in), in)
	}
}
