// Package dbtest starts throwaway MySQL servers for tests that need real row locks.
package dbtest

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/cityconnect/ecocoins_backend/config"
	"gorm.io/gorm"
)

// IntegrationEnabled reports whether INTEGRATION_TESTS is set.
func IntegrationEnabled() bool {
	return strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) != ""
}

// StartMySQL runs a MySQL 8 container, points DB_* at it and connects the global DB.
// The test is skipped unless INTEGRATION_TESTS is set. The container is removed on cleanup.
func StartMySQL(t *testing.T) *gorm.DB {
	t.Helper()
	if !IntegrationEnabled() {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	name, port := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(name) })

	t.Setenv("DB_DRIVER", "mysql")
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", port)
	t.Setenv("DB_NAME", "ecocoins_test")

	prev := config.GetDB()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	t.Cleanup(func() {
		config.SetDB(prev)
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("ecocoins-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=ecocoins_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		_ = dockerRmForce(name)
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	_ = dockerRmForce(name)
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
