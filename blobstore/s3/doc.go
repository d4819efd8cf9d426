// Package s3 provides an S3 implementation of blobstore.Store.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("cyclops/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
// Uploads go through the multipart upload manager; listing is paginated.
package s3
