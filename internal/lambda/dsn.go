package lambda

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsAPI is the subset of the Secrets Manager client used to resolve
// database credentials.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// rdsSecret is the JSON layout of an RDS-managed database secret.
type rdsSecret struct {
	Username string          `json:"username"`
	Password string          `json:"password"`
	Host     string          `json:"host"`
	Port     json.RawMessage `json:"port"`
	DBName   string          `json:"dbname"`
}

// ResolveDSN returns DATABASE_URL when set, otherwise builds a DSN from the
// secret named by DATABASE_SECRET_ARN. The secret may hold a DSN or an RDS
// credentials document.
func ResolveDSN(ctx context.Context, getenv func(string) string, secrets SecretsAPI) (string, error) {
	if dsn := getenv("DATABASE_URL"); dsn != "" {
		return dsn, nil
	}
	arn := getenv("DATABASE_SECRET_ARN")
	if arn == "" {
		return "", fmt.Errorf("DATABASE_URL or DATABASE_SECRET_ARN environment variable required")
	}
	if secrets == nil {
		return "", fmt.Errorf("no secrets client to resolve %s", arn)
	}

	out, err := secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(arn)})
	if err != nil {
		return "", fmt.Errorf("reading database secret: %w", err)
	}
	raw := strings.TrimSpace(aws.ToString(out.SecretString))
	if !strings.HasPrefix(raw, "{") {
		if raw == "" {
			return "", fmt.Errorf("database secret %s is empty", arn)
		}
		return raw, nil
	}

	var s rdsSecret
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return "", fmt.Errorf("decoding database secret: %w", err)
	}
	if s.Host == "" || s.Username == "" {
		return "", fmt.Errorf("database secret %s needs host and username", arn)
	}

	port := "5432"
	if p := strings.Trim(string(s.Port), `"`); p != "" && p != "null" {
		if _, err := strconv.Atoi(p); err != nil {
			return "", fmt.Errorf("database secret %s has invalid port %q", arn, p)
		}
		port = p
	}
	dbname := s.DBName
	if dbname == "" {
		dbname = "postgres"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(s.Username, s.Password),
		Host:     net.JoinHostPort(s.Host, port),
		Path:     "/" + dbname,
		RawQuery: "sslmode=require",
	}
	return u.String(), nil
}
