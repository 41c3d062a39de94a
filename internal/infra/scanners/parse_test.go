package scanners_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
	"github.com/bryanwahyu/armoureye/internal/infra/scanners"
)

const nmapXML = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE nmaprun>
<?xml-stylesheet href="file:///usr/bin/../share/nmap/nmap.xsl" type="text/xsl"?>
<!-- Nmap 7.94 scan initiated Thu Jan  1 00:00:00 2026 as: nmap -Pn -sV --script vuln -oX /tmp/armoureye/s1/nmap.xml 10.0.0.5 -->
<nmaprun scanner="nmap" args="nmap -Pn -sV" start="1767225600" version="7.94" xmloutputversion="1.05">
<host><status state="up" reason="user-set"/>
<address addr="10.0.0.5" addrtype="ipv4"/>
<ports>
<port protocol="tcp" portid="22"><state state="open" reason="syn-ack"/><service name="ssh" product="OpenSSH" version="7.4" method="probed"/></port>
<port protocol="tcp" portid="80"><state state="open" reason="syn-ack"/><service name="http" product="Apache httpd" version="2.4.41"/><script id="http-vuln-cve2017-5638" output="&#xa;  VULNERABLE:&#xa;  Apache Struts CVE-2017-5638&#xa;"/></port>
<port protocol="tcp" portid="3306"><state state="open" reason="syn-ack"/><service name="mysql" product="MySQL" version="5.7.33"/></port>
<port protocol="tcp" portid="8081"><state state="closed" reason="reset"/><service name="blackice-icecap"/></port>
</ports>
</host>
<runstats><finished time="1767225700"/></runstats>
</nmaprun>
`

func portSet(t *testing.T, o scanners.Outcome[scanners.PortRecord]) []string {
	t.Helper()
	var out []string
	for _, r := range o.Items {
		out = append(out, fmt.Sprintf("%d/%s", r.Service.Port, r.Service.Protocol))
	}
	sort.Strings(out)
	return out
}

func TestParseNmapXML(t *testing.T) {
	o := scanners.ParseNmapXML([]byte(nmapXML))
	require.Equal(t, scanners.KindOk, o.Kind, "err: %v", o.Err)
	require.Len(t, o.Items, 3)
	assert.Equal(t, 22, o.Items[0].Service.Port)
	assert.Equal(t, "7.4", o.Items[0].Service.Version)
	assert.Equal(t, "OpenSSH", o.Items[0].Service.Product)
	assert.Equal(t, 3306, o.Items[2].Service.Port)
	require.Len(t, o.Items[1].Scripts, 1)
	assert.Contains(t, o.Items[1].Scripts[0].Output, "VULNERABLE")
}

func TestParseNmapXMLGarbagePrefixRecoversSamePorts(t *testing.T) {
	clean := scanners.ParseNmapXML([]byte(nmapXML))
	dirty := scanners.ParseNmapXML(append([]byte("Starting Nmap 7.94\x00\x01\x1b[0m junk <<>>\n"), nmapXML...))

	require.Equal(t, scanners.KindOk, dirty.Kind, "err: %v", dirty.Err)
	assert.Equal(t, portSet(t, clean), portSet(t, dirty))
	for i := range clean.Items {
		assert.Equal(t, clean.Items[i].Service, dirty.Items[i].Service)
	}
}

func TestParseNmapXMLWithoutDeclaration(t *testing.T) {
	doc := nmapXML[strings.Index(nmapXML, "<nmaprun"):]
	o := scanners.ParseNmapXML([]byte("WARNING: something\n" + doc))
	require.Equal(t, scanners.KindOk, o.Kind, "err: %v", o.Err)
	assert.Len(t, o.Items, 3)
}

func TestSanitizeJSONEscapesControlCharacters(t *testing.T) {
	raw := []byte("banner\x07\n{\"Title\":\"line1\nline2\ttab\x01\",\"n\":1}")
	clean := scanners.CleanJSON(raw)

	var v map[string]any
	require.NoError(t, json.Unmarshal(clean, &v))
	assert.Equal(t, "line1\nline2\ttab\x01", v["Title"])
}

func TestStripXMLComments(t *testing.T) {
	in := []byte(`<a><!-- args: --script vuln --><b/><!-- unterminated ><c/></a>`)
	assert.Equal(t, `<a><b/><c/></a>`, string(scanners.StripXMLComments(in)))
}

func TestDropInvalidXMLChars(t *testing.T) {
	in := []byte("<a>ok\x00\x08 é\xff</a>")
	assert.Equal(t, "<a>ok é</a>", string(scanners.DropInvalidXMLChars(in)))
}

func TestResolveOrder(t *testing.T) {
	first := scanners.Matcher[string]{Name: "first", Match: func(string) []string { return nil }}
	second := scanners.Matcher[string]{Name: "second", Match: func(s string) []string { return []string{s} }}
	third := scanners.Matcher[string]{Name: "third", Match: func(string) []string { t.Fatal("must not run"); return nil }}

	got := scanners.Resolve(scanners.ParseError[string](errors.New("bad")), "x", first, second, third)
	assert.Equal(t, scanners.KindOk, got.Kind)
	assert.Equal(t, "text:second", got.Mode)
	assert.Equal(t, []string{"x"}, got.Items)

	ok := scanners.Ok("json", []string{"a"})
	assert.Equal(t, ok, scanners.Resolve(ok, "x", third))

	none := scanners.Resolve(scanners.Empty[string](), "x", first)
	assert.Equal(t, scanners.KindEmpty, none.Kind)
	assert.ErrorIs(t, none.AsError(), domain.ErrOutputEmpty)

	failed := scanners.Resolve(scanners.ParseError[string](errors.New("bad")), "x", first)
	assert.ErrorIs(t, failed.AsError(), domain.ErrOutputParseFailed)
}

func TestOkWithoutItemsIsEmpty(t *testing.T) {
	assert.Equal(t, scanners.KindEmpty, scanners.Ok[int]("json", nil).Kind)
}

func TestParseScoutSARIF(t *testing.T) {
	doc := `{"version":"2.1.0","runs":[{"tool":{"driver":{"name":"docker scout","rules":[
 {"id":"CVE-2023-0001","shortDescription":{"text":"bad bug"},"properties":{"cvssV3_severity":"HIGH","purls":["pkg:deb/debian/openssl@1.1.1n-0%2Bdeb11u3?os_distro=bullseye"]}},
 {"id":"CVE-2023-0002","properties":{"security-severity":"9.8","purls":["pkg:npm/%40babel/core@7.0.0"]}}
]}},"results":[
 {"ruleId":"CVE-2023-0001","level":"warning","message":{"text":"x"}},
 {"ruleId":"CVE-2023-0002","level":"error","message":{"text":"y"}},
 {"ruleId":"CVE-2023-0003","level":"note","message":{"text":"affects pkg:golang/golang.org/x/net@0.1.0"}}
]}]}`
	o := scanners.ParseScoutSARIF([]byte(doc))
	require.Equal(t, scanners.KindOk, o.Kind, "err: %v", o.Err)
	require.Len(t, o.Items, 3)

	assert.Equal(t, "openssl", o.Items[0].Name)
	assert.Equal(t, "1.1.1n-0+deb11u3", o.Items[0].Version)
	assert.Equal(t, domain.SeverityHigh, o.Items[0].Severity)

	assert.Equal(t, "core", o.Items[1].Name)
	assert.Equal(t, domain.SeverityCritical, o.Items[1].Severity)

	assert.Equal(t, "net", o.Items[2].Name)
	assert.Equal(t, "0.1.0", o.Items[2].Version)
	assert.Equal(t, domain.SeverityLow, o.Items[2].Severity)
}

func TestParseSQLMapLog(t *testing.T) {
	log := `sqlmap identified the following injection point(s) with a total of 46 HTTP(s) requests:
---
Parameter: id (GET)
    Type: boolean-based blind
    Title: AND boolean-based blind - WHERE or HAVING clause
    Payload: id=1 AND 5703=5703

    Type: UNION query
    Title: Generic UNION query (NULL) - 3 columns
    Payload: id=1 UNION ALL SELECT NULL
---
`
	o := scanners.ParseSQLMapLog([]byte(log))
	require.Equal(t, scanners.KindOk, o.Kind)
	require.Len(t, o.Items, 1)
	assert.Equal(t, "id", o.Items[0].Parameter)
	assert.Equal(t, "GET", o.Items[0].Place)
	assert.Equal(t, "boolean-based blind, UNION query", o.Items[0].Technique)
}

func TestIsSensitivePath(t *testing.T) {
	assert.True(t, scanners.IsSensitivePath("/.git/HEAD"))
	assert.True(t, scanners.IsSensitivePath("/Admin"))
	assert.True(t, scanners.IsSensitivePath("/backup.zip"))
	assert.False(t, scanners.IsSensitivePath("/images"))
}
