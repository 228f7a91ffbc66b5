package interfaces

// ValidationService enforces admission preconditions before any job row is
// created. Violations carry an InvalidUrl or InvalidPagination kind.
type ValidationService interface {
	// ValidateURL applies the full rule set: length, https scheme, DNS host
	// (no IP literals), domain whitelist, and path hygiene.
	ValidateURL(rawURL string) error

	// ValidatePagination bounds page >= 1 and pageSize in [1,100].
	ValidatePagination(page, pageSize int) error
}
