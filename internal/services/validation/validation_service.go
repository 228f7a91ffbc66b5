package validation

import (
	"net"
	"net/url"
	"strings"
	"unicode"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/aperio/internal/common"
	"github.com/ternarybob/aperio/internal/interfaces"
)

// Service enforces the admission rule set. Every rejection carries an
// InvalidUrl or InvalidPagination kind with a client-safe reason.
type Service struct {
	maxURLLength   int
	allowedDomains []string
	logger         arbor.ILogger
}

// NewService creates a validation service from the security configuration.
func NewService(config *common.SecurityConfig, logger arbor.ILogger) interfaces.ValidationService {
	domains := make([]string, 0, len(config.AllowedDomains))
	for _, domain := range config.AllowedDomains {
		domains = append(domains, strings.ToLower(strings.TrimSpace(domain)))
	}

	return &Service{
		maxURLLength:   config.MaxURLLength,
		allowedDomains: domains,
		logger:         logger,
	}
}

// ValidateURL applies every admission precondition in order. The first
// violation wins; no job row exists yet when this runs.
func (s *Service) ValidateURL(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return common.NewError(common.KindInvalidURL, "url is required")
	}
	if len(rawURL) > s.maxURLLength {
		return common.NewError(common.KindInvalidURL, "url exceeds maximum length")
	}
	if containsControlChars(rawURL) {
		return common.NewError(common.KindInvalidURL, "control characters not permitted")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return common.WrapError(common.KindInvalidURL, "malformed url", err)
	}

	if parsed.Scheme != "https" {
		return common.NewError(common.KindInvalidURL, "scheme must be https")
	}
	if parsed.User != nil {
		return common.NewError(common.KindInvalidURL, "embedded credentials not permitted")
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return common.NewError(common.KindInvalidURL, "host is required")
	}
	if host == "localhost" || net.ParseIP(host) != nil {
		return common.NewError(common.KindInvalidURL, "host must be a public dns name")
	}
	if !s.domainAllowed(host) {
		return common.NewError(common.KindInvalidURL, "domain not allowed")
	}

	if err := validatePath(parsed.EscapedPath()); err != nil {
		return err
	}

	return nil
}

// ValidatePagination bounds the listing parameters.
func (s *Service) ValidatePagination(page, pageSize int) error {
	if page < 1 {
		return common.NewError(common.KindInvalidPagination, "page must be at least 1")
	}
	if pageSize < 1 || pageSize > 100 {
		return common.NewError(common.KindInvalidPagination, "page_size must be between 1 and 100")
	}
	return nil
}

// domainAllowed matches the host against the whitelist exactly or as a
// subdomain suffix.
func (s *Service) domainAllowed(host string) bool {
	for _, allowed := range s.allowedDomains {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// validatePath rejects traversal segments both raw and percent-decoded.
func validatePath(escapedPath string) error {
	if hasDotDotSegment(escapedPath) {
		return common.NewError(common.KindInvalidURL, "path traversal not permitted")
	}

	decoded, err := url.PathUnescape(escapedPath)
	if err != nil {
		return common.WrapError(common.KindInvalidURL, "malformed percent-encoding", err)
	}
	if containsControlChars(decoded) {
		return common.NewError(common.KindInvalidURL, "control characters not permitted")
	}
	if hasDotDotSegment(decoded) {
		return common.NewError(common.KindInvalidURL, "path traversal not permitted")
	}

	return nil
}

func hasDotDotSegment(path string) bool {
	for _, segment := range strings.Split(path, "/") {
		if segment == ".." {
			return true
		}
	}
	return false
}

func containsControlChars(value string) bool {
	for _, r := range value {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
