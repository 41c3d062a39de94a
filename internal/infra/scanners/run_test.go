package scanners_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/armoureye/internal/domain/scans"
	"github.com/bryanwahyu/armoureye/internal/infra/scanners"
)

func testOptions() scanners.Options {
	o := scanners.DefaultOptions()
	o.WorkDir = "/work"
	return o
}

func request(services ...domain.Service) domain.ScanRequest {
	return domain.ScanRequest{
		ScanID:   "scan-1",
		Target:   domain.Target{ID: "web-1", IP: "10.0.0.5", Image: "nginx:1.19"},
		Profile:  domain.ProfileMisconfigs,
		Services: services,
	}
}

func TestNmapRunParsesXMLFile(t *testing.T) {
	exec := newFakeExec(map[domain.Tool]fakeRun{
		domain.ToolNmap: {file: []byte(nmapXML), res: domain.ExecResult{Duration: 2 * time.Second}},
	})
	res, err := scanners.NewNmap(exec, testOptions(), nil).Run(context.Background(), request())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "xml", res.ParseMode)
	assert.Equal(t, "/work/scan-1/nmap.xml", res.OutputPath)
	assert.Equal(t, int64(2000), res.DurationMS)
	require.Len(t, res.Services, 3)

	sev := map[int]domain.Severity{}
	var vuln int
	for _, f := range res.Findings {
		if f.Type == domain.FindingExposedService {
			sev[f.Port] = f.Severity
		}
		if f.Type == domain.FindingWebVulnerability {
			vuln++
			assert.Equal(t, "CVE-2017-5638", f.CVE)
		}
	}
	assert.Equal(t, map[int]domain.Severity{22: domain.SeverityHigh, 80: domain.SeverityMedium, 3306: domain.SeverityCritical}, sev)
	assert.Equal(t, 1, vuln)

	require.Len(t, exec.calls, 1)
	assert.Equal(t, []string{"nmap", "-Pn", "-sV", "-sC", "-T4", "--top-ports", "1000", "-oX", "/work/scan-1/nmap.xml", "10.0.0.5"}, exec.calls[0].Argv)
	assert.Equal(t, 5*time.Minute, exec.calls[0].Timeout)
}

func TestNmapRunFallsBackToText(t *testing.T) {
	stdout := `Starting Nmap 7.94 ( https://nmap.org )
PORT     STATE  SERVICE VERSION
22/tcp   open   ssh     OpenSSH 7.4 (protocol 2.0)
80/tcp   open   http    Apache httpd 2.4.41
443/tcp  closed https
`
	exec := newFakeExec(map[domain.Tool]fakeRun{
		domain.ToolNmap: {file: []byte("<?xml version=\"1.0\"?><nmaprun><host><ports><port"), res: domain.ExecResult{Stdout: []byte(stdout)}},
	})
	var lines []string
	req := request()
	req.OnLine = func(_, line string) { lines = append(lines, line) }

	res, err := scanners.NewNmap(exec, testOptions(), nil).Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "text:port-line", res.ParseMode)
	require.Len(t, res.Services, 2)
	assert.Equal(t, "ssh", res.Services[0].Name)
	assert.Equal(t, "7.4", res.Services[0].Version)
	assert.NotEmpty(t, lines)
}

func TestNmapRunLooseFallback(t *testing.T) {
	exec := newFakeExec(map[domain.Tool]fakeRun{
		domain.ToolNmap: {res: domain.ExecResult{Stdout: []byte("Discovered open port 8080/tcp on 10.0.0.5\nDiscovered open port 8080/tcp on 10.0.0.5\n")}},
	})
	res, err := scanners.NewNmap(exec, testOptions(), nil).Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "text:discovered", res.ParseMode)
	require.Len(t, res.Services, 1)
	assert.Equal(t, 8080, res.Services[0].Port)
}

func TestNmapRunWithoutAddress(t *testing.T) {
	req := request()
	req.Target.IP = ""
	res, err := scanners.NewNmap(newFakeExec(nil), testOptions(), nil).Run(context.Background(), req)
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "execution_failed", res.ErrorKind)
}

func TestNonZeroExitWithoutOutput(t *testing.T) {
	exec := newFakeExec(map[domain.Tool]fakeRun{
		domain.ToolNmap: {res: domain.ExecResult{ExitCode: 1, Stderr: []byte("nmap: command not found\n")}},
	})
	res, err := scanners.NewNmap(exec, testOptions(), nil).Run(context.Background(), request())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrToolExecutionFailed)
	assert.Equal(t, "execution_failed", res.ErrorKind)
	assert.Contains(t, res.Error, "command not found")
	assert.Equal(t, 1, res.ExitCode)
}

func trivyJSON() string {
	return "2026-01-01T00:00:00Z\tWARN\tbanner before the document\n" +
		`{"SchemaVersion":2,"ArtifactName":"nginx:1.19","Results":[{"Target":"nginx:1.19 (debian 10.9)","Class":"os-pkgs","Type":"debian",` +
		`"Packages":[{"Name":"openssl","Version":"1.1.1d-0+deb10u6"},{"Name":"zlib1g","Version":"1:1.2.11.dfsg-1"}],` +
		`"Vulnerabilities":[{"VulnerabilityID":"CVE-2021-3711","PkgName":"openssl","InstalledVersion":"1.1.1d-0+deb10u6","Severity":"CRITICAL","Title":"SM2 decryption` + "\n" + `overflow"},` +
		`{"VulnerabilityID":"CVE-2021-9999","PkgName":"zlib1g","InstalledVersion":"1:1.2.11.dfsg-1","Severity":"UNKNOWN"}]}]}`
}

func TestTrivyRun(t *testing.T) {
	exec := newFakeExec(map[domain.Tool]fakeRun{domain.ToolTrivy: {file: []byte(trivyJSON())}})
	res, err := scanners.NewTrivy(exec, testOptions(), nil).Run(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, "json", res.ParseMode)
	require.Len(t, res.Packages, 2)
	assert.Equal(t, "openssl@1.1.1d-0+deb10u6", res.Packages[0].Key())
	require.Len(t, res.Findings, 2)
	assert.Equal(t, domain.SeverityCritical, res.Findings[0].Severity)
	assert.Equal(t, domain.SeverityLow, res.Findings[1].Severity)
	assert.Equal(t, "CVE-2021-3711", res.Findings[0].CVE)
	assert.Contains(t, exec.calls[0].Argv, "nginx:1.19")
}

func TestTrivyRunTableFallback(t *testing.T) {
	table := `nginx:1.19 (debian 10.9)
Total: 1 (CRITICAL: 1)
┌─────────┬───────────────┬──────────┬────────┬───────────────────┬───────────────┬───────┐
│ Library │ Vulnerability │ Severity │ Status │ Installed Version │ Fixed Version │ Title │
├─────────┼───────────────┼──────────┼────────┼───────────────────┼───────────────┼───────┤
│ openssl │ CVE-2021-3711 │ CRITICAL │ fixed  │ 1.1.1d-0+deb10u6  │ 1.1.1d-0+deb1 │ SM2   │
└─────────┴───────────────┴──────────┴────────┴───────────────────┴───────────────┴───────┘
`
	exec := newFakeExec(map[domain.Tool]fakeRun{domain.ToolTrivy: {res: domain.ExecResult{Stdout: []byte(table)}}})
	res, err := scanners.NewTrivy(exec, testOptions(), nil).Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "text:table", res.ParseMode)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "openssl", res.Findings[0].Package)
	assert.Equal(t, "1.1.1d-0+deb10u6", res.Findings[0].Version)
}

func TestTrivyRunTimeout(t *testing.T) {
	exec := newFakeExec(map[domain.Tool]fakeRun{
		domain.ToolTrivy: {err: fmt.Errorf("docker exec: %w", domain.ErrToolTimeout)},
	})
	res, err := scanners.NewTrivy(exec, testOptions(), nil).Run(context.Background(), request())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrToolTimeout)
	assert.False(t, res.Success)
	assert.Equal(t, "timeout", res.ErrorKind)
}

func TestTrivyRunWithoutImage(t *testing.T) {
	req := request()
	req.Target.Image = ""
	_, err := scanners.NewTrivy(newFakeExec(nil), testOptions(), nil).Run(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrToolExecutionFailed)
}

func TestTrivyRunScratchImage(t *testing.T) {
	report := `{"SchemaVersion":2,"ArtifactName":"scratch-app:1","ArtifactType":"container_image","Metadata":{"OS":null}}`
	exec := newFakeExec(map[domain.Tool]fakeRun{domain.ToolTrivy: {file: []byte(report)}})
	res, err := scanners.NewTrivy(exec, testOptions(), nil).Run(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "json", res.ParseMode)
	assert.Empty(t, res.Findings)
	assert.Empty(t, res.Packages)
}

func TestTrivyRunEmptyObjectIsStillEmpty(t *testing.T) {
	exec := newFakeExec(map[domain.Tool]fakeRun{domain.ToolTrivy: {file: []byte(`{}`)}})
	res, err := scanners.NewTrivy(exec, testOptions(), nil).Run(context.Background(), request())
	assert.ErrorIs(t, err, domain.ErrOutputEmpty)
	assert.Equal(t, "empty_output", res.ErrorKind)
}

func TestImageArgsEndOptions(t *testing.T) {
	trivy := scanners.NewTrivy(newFakeExec(nil), testOptions(), nil).Args("-o/tmp/x", "/work/s/trivy.json")
	assert.Equal(t, []string{"trivy", "image", "--format", "json", "--list-all-pkgs",
		"--scanners", "vuln", "--quiet", "--output", "/work/s/trivy.json", "--", "-o/tmp/x"}, trivy)

	scout := scanners.NewScout(newFakeExec(nil), testOptions(), nil).Args("nginx:1.19", "/work/s/docker-scout.sarif")
	assert.Equal(t, []string{"docker", "scout", "cves", "--format", "sarif", "--output", "/work/s/docker-scout.sarif", "--", "nginx:1.19"}, scout)
}

func TestScoutRunHasNoDeadline(t *testing.T) {
	exec := newFakeExec(map[domain.Tool]fakeRun{domain.ToolScout: {res: domain.ExecResult{Stdout: []byte(
		"  pkg:deb/debian/openssl@1.1.1d-0+deb10u6\n    ✗ CRITICAL CVE-2021-3711\n      https://scout.docker.com/v/CVE-2021-3711\n",
	)}}})
	res, err := scanners.NewScout(exec, testOptions(), nil).Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), exec.calls[0].Timeout)
	assert.Equal(t, "text:cves-text", res.ParseMode)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, "openssl", res.Findings[0].Package)
	assert.Equal(t, domain.SeverityCritical, res.Findings[0].Severity)
}

func TestGobusterRunMarksSensitivePaths(t *testing.T) {
	out := `/.git/HEAD            (Status: 200) [Size: 23]
/images               (Status: 301) [Size: 178] [--> http://10.0.0.5/images/]
/admin                (Status: 302) [Size: 0]
`
	exec := newFakeExec(map[domain.Tool]fakeRun{domain.ToolGobuster: {file: []byte(out)}})
	res, err := scanners.NewGobuster(exec, testOptions(), nil).Run(context.Background(),
		request(domain.Service{Port: 8080, State: "open", Name: "http"}))
	require.NoError(t, err)
	require.Len(t, res.Findings, 3)

	assert.True(t, res.Findings[0].Sensitive)
	assert.Equal(t, domain.SeverityMedium, res.Findings[0].Severity)
	assert.False(t, res.Findings[1].Sensitive)
	assert.Equal(t, domain.SeverityLow, res.Findings[1].Severity)
	assert.True(t, res.Findings[2].Sensitive)

	assert.Contains(t, exec.calls[0].Argv, "http://10.0.0.5:8080")
	assert.Equal(t, 30*time.Minute, exec.calls[0].Timeout)
}

func TestGobusterRunNoHitsIsSuccess(t *testing.T) {
	exec := newFakeExec(map[domain.Tool]fakeRun{domain.ToolGobuster: {file: []byte("")}})
	res, err := scanners.NewGobuster(exec, testOptions(), nil).Run(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "empty", res.ParseMode)
	assert.Empty(t, res.Findings)
}

func TestNiktoRunTextFallback(t *testing.T) {
	stdout := `- Nikto v2.5.0
---------------------------------------------------------------------------
+ Target IP:          10.0.0.5
+ Target Port:        80
+ Server: Apache/2.4.41 (Ubuntu)
+ /: The anti-clickjacking X-Frame-Options header is not present.
+ /admin/login.php: Admin login page/section found.
+ 8102 requests: 0 error(s) and 3 item(s) reported on remote host
`
	exec := newFakeExec(map[domain.Tool]fakeRun{domain.ToolNikto: {res: domain.ExecResult{Stdout: []byte(stdout), ExitCode: 1}}})
	res, err := scanners.NewNikto(exec, testOptions(), nil).Run(context.Background(),
		request(domain.Service{Port: 80, State: "open", Name: "http"}))
	require.NoError(t, err)
	assert.Equal(t, "text:plus-lines", res.ParseMode)
	require.Len(t, res.Findings, 3)
	assert.Equal(t, domain.SeverityLow, res.Findings[0].Severity)
	assert.Equal(t, "/admin/login.php", res.Findings[2].Path)
	assert.Equal(t, domain.SeverityMedium, res.Findings[2].Severity)
	assert.Contains(t, exec.calls[0].Argv, "-Tuning")
}

func TestNiktoRunJSON(t *testing.T) {
	doc := `[{"host":"10.0.0.5","ip":"10.0.0.5","port":"80","banner":"","vulnerabilities":[` +
		`{"id":"999100","references":"","method":"GET","url":"/index.php?id=1","msg":"Possible SQL injection in id parameter"}]}]`
	exec := newFakeExec(map[domain.Tool]fakeRun{domain.ToolNikto: {file: []byte(doc)}})
	res, err := scanners.NewNikto(exec, testOptions(), nil).Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "json", res.ParseMode)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, domain.SeverityHigh, res.Findings[0].Severity)
}

func TestWhatWebRun(t *testing.T) {
	doc := "[\n" +
		`{"target":"http://10.0.0.5","http_status":200,"plugins":{"Apache":{"version":["2.4.41"]},"HTTPServer":{"string":["Apache/2.4.41 (Ubuntu)"]},"PHP":{"version":["7.4.3"]}}}` +
		",\n"
	exec := newFakeExec(map[domain.Tool]fakeRun{domain.ToolWhatWeb: {file: []byte(doc)}})
	res, err := scanners.NewWhatWeb(exec, testOptions(), nil).Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "json", res.ParseMode)
	require.Len(t, res.Packages, 2)
	assert.Equal(t, "Apache", res.Packages[0].Name)
	assert.Equal(t, "PHP", res.Packages[1].Name)
	for _, f := range res.Findings {
		assert.Equal(t, domain.FindingInformationDisclosed, f.Type)
	}
}

func TestWhatWebRunTokenFallback(t *testing.T) {
	stdout := "http://10.0.0.5 [200 OK] Apache[2.4.41], Country[RESERVED][ZZ], HTTPServer[Ubuntu Linux][Apache/2.4.41 (Ubuntu)], PHP[7.4.3]\n"
	exec := newFakeExec(map[domain.Tool]fakeRun{domain.ToolWhatWeb: {res: domain.ExecResult{Stdout: []byte(stdout)}}})
	res, err := scanners.NewWhatWeb(exec, testOptions(), nil).Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "text:plugin-tokens", res.ParseMode)
	require.Len(t, res.Packages, 2)
}

func TestHydraRun(t *testing.T) {
	doc := `{"generator":{"software":"Hydra"},"results":[{"port":22,"service":"ssh","host":"10.0.0.5","login":"root","password":"toor"}],"success":true,"errormessages":[],"quantityfound":1}`
	exec := newFakeExec(map[domain.Tool]fakeRun{domain.ToolHydra: {file: []byte(doc)}})
	res, err := scanners.NewHydra(exec, testOptions(), nil).Run(context.Background(),
		request(domain.Service{Port: 22, State: "open", Name: "ssh"}))
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.Equal(t, domain.FindingWeakAuthentication, f.Type)
	assert.Equal(t, domain.SeverityCritical, f.Severity)
	assert.Equal(t, domain.ToolHydra, f.Tool)
	assert.NotContains(t, f.Description, "toor")
	assert.Equal(t, "ssh://10.0.0.5:22", exec.calls[0].Argv[len(exec.calls[0].Argv)-1])
}

func TestHydraRunWithoutTargets(t *testing.T) {
	exec := newFakeExec(nil)
	res, err := scanners.NewHydra(exec, testOptions(), nil).Run(context.Background(),
		request(domain.Service{Port: 80, State: "open", Name: "http"}))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, exec.calls)
}

func TestSQLMapRunInjectableFallback(t *testing.T) {
	stdout := "[12:00:01] [INFO] GET parameter 'q' is 'MySQL >= 5.0 AND error-based - WHERE clause' injectable\n"
	exec := newFakeExec(map[domain.Tool]fakeRun{domain.ToolSQLMap: {res: domain.ExecResult{Stdout: []byte(stdout)}}})
	res, err := scanners.NewSQLMap(exec, testOptions(), nil).Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "text:injectable", res.ParseMode)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, domain.FindingSQLInjection, res.Findings[0].Type)
	assert.Equal(t, domain.SeverityCritical, res.Findings[0].Severity)
	assert.Equal(t, "/work/scan-1/sqlmap/10.0.0.5/log", res.OutputPath)
}

func TestDBPortScanRun(t *testing.T) {
	xml := `<?xml version="1.0"?><nmaprun><host><ports>
<port protocol="tcp" portid="3306"><state state="open"/><service name="mysql" product="MySQL" version="5.7.33"/>
<script id="mysql-empty-password" output="&#xa;  root account has empty password&#xa;"/></port>
<port protocol="tcp" portid="6379"><state state="open"/><service name="redis"/>
<script id="redis-info" output="&#xa;  Version: 6.0.9&#xa;  Operating System: Linux&#xa;"/></port>
</ports></host></nmaprun>`
	exec := newFakeExec(map[domain.Tool]fakeRun{domain.ToolDBPortScan: {file: []byte(xml)}})
	s := scanners.NewDBPortScan(exec, testOptions(), nil)
	res, err := s.Run(context.Background(), request(domain.Service{Port: 3306, State: "open", Name: "mysql"}))
	require.NoError(t, err)

	var weak, info int
	for _, f := range res.Findings {
		switch f.Type {
		case domain.FindingWeakAuthentication:
			weak++
			assert.Equal(t, domain.SeverityCritical, f.Severity)
		case domain.FindingInformationDisclosed:
			info++
		}
	}
	assert.Equal(t, 1, weak)
	assert.Equal(t, 1, info)
	assert.Contains(t, exec.calls[0].Argv, "3306")
	assert.Equal(t, []int{3306}, s.Ports(request(domain.Service{Port: 3306, State: "open"}).Services))
	assert.Len(t, s.Ports(nil), len(domain.DatabasePorts))
}

func TestRegistryCoversCatalog(t *testing.T) {
	reg := scanners.NewRegistry(newFakeExec(nil), testOptions(), nil)
	for _, tool := range []domain.Tool{
		domain.ToolNmap, domain.ToolTrivy, domain.ToolScout, domain.ToolNikto, domain.ToolWhatWeb,
		domain.ToolGobuster, domain.ToolDBPortScan, domain.ToolSQLMap, domain.ToolHydra,
	} {
		s, ok := reg.Get(tool)
		require.True(t, ok, tool)
		assert.Equal(t, tool, s.Name())
	}
}
