package store

import (
	"errors"
	"testing"

	"matryoshka/internal/dsl"
	"matryoshka/internal/relation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntity(module, name string, fields ...dsl.Field) *dsl.Entity {
	return &dsl.Entity{Module: module, Name: name, Fields: fields}
}

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	schemas := map[string]*dsl.Entity{
		"blog.User": testEntity("blog", "User",
			dsl.Field{Name: "name", Type: "string"},
			dsl.Field{Name: "email", Type: "string", Options: map[string]string{"unique": "true"}},
		),
		"blog.Avatar": testEntity("blog", "Avatar",
			dsl.Field{Name: "image", Type: "string"},
			dsl.Field{Name: "user", Type: "ref", RefTarget: "User", Options: map[string]string{"on_delete": "cascade"}},
		),
		"blog.Message": testEntity("blog", "Message",
			dsl.Field{Name: "body", Type: "string"},
			dsl.Field{Name: "user", Type: "ref", RefTarget: "User"},
		),
		"blog.Post": testEntity("blog", "Post",
			dsl.Field{Name: "title", Type: "string"},
			dsl.Field{Name: "author", Type: "ref", RefTarget: "User"},
			dsl.Field{Name: "tags", Type: "many", RefTarget: "Tag", Options: map[string]string{"match_on": "name"}},
		),
		"blog.Tag": testEntity("blog", "Tag",
			dsl.Field{Name: "name", Type: "string"},
		),
		"core.Attachment": testEntity("core", "Attachment",
			dsl.Field{Name: "owner_type", Type: "string"},
			dsl.Field{Name: "owner_id", Type: "string"},
			dsl.Field{Name: "file_name", Type: "string"},
		),
	}
	schemas["blog.Post"].Constraints.Unique = [][]string{{"title", "author"}}

	reg, err := relation.Build(schemas)
	require.NoError(t, err)
	return NewStorage(schemas, reg, nil)
}

func TestInsertGetVersioning(t *testing.T) {
	st := newTestStorage(t)

	rec := st.Insert("blog.User", map[string]any{"name": "vasya"})
	require.NotEmpty(t, rec.ID)
	assert.Equal(t, int64(1), rec.Version)

	got, err := st.Get("blog.User", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "vasya", got.Data["name"])

	// неверная ожидаемая версия
	_, err = st.Replace("blog.User", rec.ID, 7, map[string]any{"name": "petya"})
	require.ErrorIs(t, err, ErrVersionConflict)

	// верная
	got, err = st.Replace("blog.User", rec.ID, 1, map[string]any{"name": "petya"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)

	// expVer < 0 — без проверки (внутренний путь движка)
	got, err = st.Merge("blog.User", rec.ID, -1, map[string]any{"email": "p@example.com"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, "petya", got.Data["name"])
	assert.Equal(t, "p@example.com", got.Data["email"])
}

func TestSoftDeleteAndRestore(t *testing.T) {
	st := newTestStorage(t)
	rec := st.Insert("blog.User", map[string]any{"name": "vasya"})

	require.NoError(t, st.SoftDelete("blog.User", rec.ID))
	_, err := st.Get("blog.User", rec.ID)
	require.ErrorIs(t, err, ErrNotFound)
	assert.False(t, st.Exists("blog.User", rec.ID))

	// повторное удаление — NotFound
	require.ErrorIs(t, st.SoftDelete("blog.User", rec.ID), ErrNotFound)

	restored, err := st.Restore("blog.User", rec.ID)
	require.NoError(t, err)
	assert.False(t, restored.Deleted)
	assert.True(t, st.Exists("blog.User", rec.ID))
}

func TestHardDeleteRestrictProtection(t *testing.T) {
	st := newTestStorage(t)
	user := st.Insert("blog.User", map[string]any{"name": "vasya"})
	st.Insert("blog.Message", map[string]any{"body": "hi", "user": user.ID})

	// Message.user — restrict по умолчанию, удаление блокируется
	err := st.HardDelete("blog.User", []string{user.ID})
	var pe *ProtectedError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, []string{"blog.User:" + user.ID}, pe.Blocked)

	// cascade-ссылка не блокирует
	lone := st.Insert("blog.User", map[string]any{"name": "petya"})
	st.Insert("blog.Avatar", map[string]any{"image": "x.png", "user": lone.ID})
	require.NoError(t, st.HardDelete("blog.User", []string{lone.ID}))
	assert.False(t, st.Exists("blog.User", lone.ID))
}

func TestHardDeleteScrubsJoinRows(t *testing.T) {
	st := newTestStorage(t)
	post := st.Insert("blog.Post", map[string]any{"title": "a"})
	tag := st.Insert("blog.Tag", map[string]any{"name": "go"})

	st.Associate("blog.Post.tags", post.ID, tag.ID)
	require.Equal(t, []string{tag.ID}, st.LinkedIDs("blog.Post.tags", post.ID))

	require.NoError(t, st.HardDelete("blog.Tag", []string{tag.ID}))
	assert.Empty(t, st.LinkedIDs("blog.Post.tags", post.ID))
}

func TestAssociateDissociate(t *testing.T) {
	st := newTestStorage(t)

	st.Associate("blog.Post.tags", "p1", "t2", "t1")
	st.Associate("blog.Post.tags", "p1", "t1") // идемпотентно
	st.Associate("blog.Post.tags", "p1", "t3")
	assert.Equal(t, []string{"t1", "t2", "t3"}, st.LinkedIDs("blog.Post.tags", "p1"))

	st.Dissociate("blog.Post.tags", "p1", "t2")
	assert.Equal(t, []string{"t1", "t3"}, st.LinkedIDs("blog.Post.tags", "p1"))

	// дети при рассоединении не трогаются — join-таблица отдельно от данных
	assert.Empty(t, st.LinkedIDs("blog.Post.tags", "p2"))
}

func TestFindByFieldAndOwner(t *testing.T) {
	st := newTestStorage(t)
	user := st.Insert("blog.User", map[string]any{"name": "vasya"})
	m1 := st.Insert("blog.Message", map[string]any{"body": "a", "user": user.ID})
	m2 := st.Insert("blog.Message", map[string]any{"body": "b", "user": user.ID})
	st.Insert("blog.Message", map[string]any{"body": "c", "user": "other"})

	ids := st.FindByField("blog.Message", "user", user.ID)
	want := []string{m1.ID, m2.ID}
	if want[0] > want[1] {
		want[0], want[1] = want[1], want[0]
	}
	assert.Equal(t, want, ids)

	att := st.Insert("core.Attachment", map[string]any{"owner_type": "blog.Post", "owner_id": "p1", "file_name": "a.txt"})
	st.Insert("core.Attachment", map[string]any{"owner_type": "blog.Post", "owner_id": "p2"})
	assert.Equal(t, []string{att.ID}, st.FindByOwner("core.Attachment", "owner_type", "owner_id", "blog.Post", "p1"))
}

func TestFindIncomingRefs(t *testing.T) {
	st := newTestStorage(t)
	user := st.Insert("blog.User", map[string]any{"name": "vasya"})

	_, _, ok := st.FindIncomingRefs("blog.User", user.ID)
	assert.False(t, ok)

	st.Insert("blog.Message", map[string]any{"body": "hi", "user": user.ID})
	refEntity, refField, ok := st.FindIncomingRefs("blog.User", user.ID)
	require.True(t, ok)
	assert.Equal(t, "blog.Message", refEntity)
	assert.Equal(t, "user", refField)
}

func TestSnapshotRestore(t *testing.T) {
	st := newTestStorage(t)
	user := st.Insert("blog.User", map[string]any{"name": "vasya"})
	st.Associate("blog.Post.tags", "p1", "t1")

	snap := st.Snapshot()

	// мутируем после среза
	_, err := st.Merge("blog.User", user.ID, -1, map[string]any{"name": "petya"})
	require.NoError(t, err)
	extra := st.Insert("blog.User", map[string]any{"name": "intruder"})
	st.Associate("blog.Post.tags", "p1", "t2")

	st.RestoreSnapshot(snap)

	got, err := st.Get("blog.User", user.ID)
	require.NoError(t, err)
	assert.Equal(t, "vasya", got.Data["name"])
	assert.Equal(t, int64(1), got.Version)
	assert.False(t, st.Exists("blog.User", extra.ID))
	assert.Equal(t, []string{"t1"}, st.LinkedIDs("blog.Post.tags", "p1"))
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	st := newTestStorage(t)
	user := st.Insert("blog.User", map[string]any{"name": "vasya", "tags": []any{"a"}})

	snap := st.Snapshot()
	user.Data["name"] = "mutated"

	st.RestoreSnapshot(snap)
	got, err := st.Get("blog.User", user.ID)
	require.NoError(t, err)
	assert.Equal(t, "vasya", got.Data["name"])
}

func TestViolatesUnique(t *testing.T) {
	st := newTestStorage(t)
	u := st.Insert("blog.User", map[string]any{"name": "vasya", "email": "v@example.com"})

	assert.True(t, st.ViolatesUnique("blog.User", "email", "v@example.com", ""))
	// своя же запись не конфликтует сама с собой
	assert.False(t, st.ViolatesUnique("blog.User", "email", "v@example.com", u.ID))
	assert.False(t, st.ViolatesUnique("blog.User", "email", "other@example.com", ""))

	// удалённые записи не участвуют
	require.NoError(t, st.SoftDelete("blog.User", u.ID))
	assert.False(t, st.ViolatesUnique("blog.User", "email", "v@example.com", ""))
}

func TestViolatesCompositeUnique(t *testing.T) {
	st := newTestStorage(t)
	p := st.Insert("blog.Post", map[string]any{"title": "a", "author": "u1"})

	fields := []string{"title", "author"}
	assert.True(t, st.ViolatesCompositeUnique("blog.Post", fields, []string{"a", "u1"}, ""))
	assert.False(t, st.ViolatesCompositeUnique("blog.Post", fields, []string{"a", "u2"}, ""))
	assert.False(t, st.ViolatesCompositeUnique("blog.Post", fields, []string{"a", "u1"}, p.ID))
}

func TestNormalizeNames(t *testing.T) {
	st := newTestStorage(t)

	fqn, ok := st.NormalizeFQN("blog.User")
	require.True(t, ok)
	assert.Equal(t, "blog.User", fqn)

	// без модуля — имя уникально среди всех модулей
	fqn, ok = st.NormalizeFQN("Attachment")
	require.True(t, ok)
	assert.Equal(t, "core.Attachment", fqn)

	// регистронезависимо
	fqn, ok = st.NormalizeEntityName("BLOG", "user")
	require.True(t, ok)
	assert.Equal(t, "blog.User", fqn)

	_, ok = st.NormalizeFQN("blog.Nothing")
	assert.False(t, ok)
}
