// Package crawler defines the types shared by the scheduling core: fetch
// tasks and their queue identity, pages and protocol outcomes, and the
// collaborator interfaces for fetching, storage and publishing.
package crawler
