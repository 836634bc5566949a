/*
 * Copyright (c) 2022 Serena Tiede
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"github.com/LadySerena/raspby-hub/utility"
	"google.golang.org/api/option"
)

// GCSFetcher reads images published to a cloud storage bucket.
type GCSFetcher struct {
	client *storage.Client
}

// NewGCSFetcherFactory defers creating the storage client, and so looking up
// credentials, until a gs:// image is actually requested.
func NewGCSFetcherFactory(credentialsFile string) func(ctx context.Context) (ObjectFetcher, error) {
	return func(ctx context.Context) (ObjectFetcher, error) {
		var options []option.ClientOption
		if credentialsFile != "" {
			options = append(options, option.WithCredentialsFile(credentialsFile))
		}
		gcsClient, gcsErr := storage.NewClient(ctx, options...)
		if gcsErr != nil {
			return nil, fmt.Errorf("error creating cloud storage client: %w", gcsErr)
		}
		return GCSFetcher{client: gcsClient}, nil
	}
}

func (f GCSFetcher) Fetch(ctx context.Context, bucket string, object string, w io.Writer) error {
	reader, readerCreateErr := f.client.Bucket(bucket).Object(object).NewReader(ctx)
	if errors.Is(readerCreateErr, storage.ErrObjectNotExist) {
		return NewErrStatusCode(fmt.Sprintf("gs://%s/%s", bucket, object), http.StatusOK, http.StatusNotFound)
	}
	if readerCreateErr != nil {
		return fmt.Errorf("error creating reader for object: %s error: %w", object, readerCreateErr)
	}
	defer utility.WrappedClose(reader)

	_, copyErr := io.Copy(w, reader)
	return copyErr
}
