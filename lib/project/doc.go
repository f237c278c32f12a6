// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package project owns the sessions of one training project: the local
// supervisors living under <root>/sessions/<id>/ and any remote
// session proxies attached to it. Session ids are unique within the
// project and assigned monotonically, local and remote alike.
package project
