package ports

// URLResolver maps a storage reference to a fetchable URL.
type URLResolver interface {
	PublicURL(bucket, path string) (string, error)
}
