package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitize_StripsUnsafeCharacters(t *testing.T) {
	in := Submission{
		KeyStationURL:  "  https://wx.example.net/\r\n ",
		KeyDescription: "Bob's \"backyard\"\nstation",
		KeyLatitude:    45.5,
		KeyLongitude:   "-122.6",
	}

	out, diags := Sanitize(in)

	require.Empty(t, diags)
	require.Equal(t, "https://wx.example.net/", out[KeyStationURL])
	require.Equal(t, "Bob's backyardstation", out[KeyDescription])
	require.Equal(t, 45.5, out[KeyLatitude])
	require.Equal(t, "-122.6", out[KeyLongitude])
	require.Len(t, out, len(in))
}

func TestSanitize_RecoversDriverNameFromBoundMethod(t *testing.T) {
	cases := map[string]string{
		"bound method barometric_pressure of <WxStation object at 0x7f>":        "barometric_pressure",
		"<bound method Vantage. hardware_name of <weewx.drivers.vantage.Vantage>>": "Vantage",
		"Vantage Pro2": "Vantage Pro2",
	}
	for raw, want := range cases {
		out, _ := Sanitize(Submission{KeyStationModel: raw})
		require.Equal(t, want, out[KeyStationModel], raw)
	}
}

func TestSanitize_NormalizesAndTruncatesPaths(t *testing.T) {
	long := "/home/pi/" + strings.Repeat("nested/", 12) + "weewx.conf"

	out, diags := Sanitize(Submission{
		KeyConfigPath: long,
		KeyEntryPath:  `C:\weewx\\bin\.\weewxd.py`,
	})

	cfg := out[KeyConfigPath].(string)
	require.LessOrEqual(t, len([]rune(cfg)), MaxPathLen)
	require.True(t, strings.HasPrefix(cfg, "/home/pi/nested/"))
	require.False(t, strings.HasSuffix(cfg, "/"))
	require.Equal(t, "C:/weewx/bin/weewxd.py", out[KeyEntryPath])
	require.Equal(t, []Diagnostic{{Field: KeyConfigPath, Message: "truncated to 64 characters"}}, diags)
}

func TestSanitize_Idempotent(t *testing.T) {
	inputs := []Submission{
		{
			KeyStationURL:   " https://wx.local/\"station\" ",
			KeyStationModel: "bound method WMR300.hardware_name of <object>",
			KeyConfigPath:   "/home/pi/" + strings.Repeat("very-long-directory-name/", 4) + " /.",
			KeyEntryPath:    `\usr\share\weewx\weewxd.py`,
			KeyLatitude:     12.25,
		},
		{
			KeyDescription: "line one\r\nline two 'quoted'",
			KeyConfigPath:  "",
		},
	}
	for _, in := range inputs {
		once, _ := Sanitize(in)
		twice, diags := Sanitize(once)
		require.Equal(t, once, twice)
		require.Empty(t, diags)
	}
}
